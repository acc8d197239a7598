package auth

import (
	"context"
	"errors"
	"time"

	"github.com/folkengine/goname"
	"github.com/hashicorp/go-hclog"
	"github.com/sparksocial/spark-rtm/config"
	"github.com/sparksocial/spark-rtm/persistence"
	"github.com/sparksocial/spark-rtm/types"
)

// ErrInvalidCredential marks a credential the configured providers rejected.
// The event is terminal, the connection stays open for a re-authentication.
var ErrInvalidCredential = errors.New("invalid credential")

// Directory is the account directory collaborator: credential verification,
// profile lookup and the durable online flag.
type Directory interface {
	// VerifyCredential validates a bearer credential and yields the
	// canonical user identity, creating the profile on first login.
	VerifyCredential(ctx context.Context, token, provider, language string) (*types.User, error)
	FindUser(userId string) (*types.User, error)
	// SetOnline mirrors the registry's online state into the durable
	// profile. Best-effort: failures are logged, never propagated, so a
	// directory outage cannot block local presence transitions.
	SetOnline(userId string, online bool)
}

type DirectoryService struct {
	cfg       *config.Config
	persister persistence.Persister
	logger    hclog.Logger
}

var _ Directory = (*DirectoryService)(nil)

func NewDirectoryService(cfg *config.Config, persister persistence.Persister, logger hclog.Logger) *DirectoryService {
	return &DirectoryService{
		cfg:       cfg,
		persister: persister,
		logger:    logger.Named("directory"),
	}
}

func (d *DirectoryService) VerifyCredential(ctx context.Context, token, provider, language string) (*types.User, error) {
	userId, err := Authenticate(ctx, token, provider, d.cfg)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	if userId == "" {
		return nil, ErrInvalidCredential
	}
	user := &types.User{Id: userId}
	err = d.persister.GetUser(user)
	if err == persistence.ErrNotFound {
		// first login, create the profile
		user.Nick = userId
		user.Language = language
		if user.Language == "" {
			user.Language = "en"
		}
		user.Tags = make(types.JSONStringMap)
		user.LastOnline = time.Now()
		if err := d.persister.StoreUser(*user); err != nil {
			return nil, err
		}
		return user, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *DirectoryService) FindUser(userId string) (*types.User, error) {
	user := &types.User{Id: userId}
	err := d.persister.GetUser(user)
	if err == persistence.ErrNotFound {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *DirectoryService) SetOnline(userId string, online bool) {
	if err := d.persister.SetOnline(userId, online); err != nil && err != persistence.ErrNotFound {
		d.logger.Warn("could not update durable online flag", "user", userId, "online", online, "error", err)
	}
}

// NewGuest creates a transient visitor identity with a generated display
// name. Guests can watch public rooms; privileged events still require a
// verified credential.
func NewGuest() *types.User {
	nick := goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	return &types.User{
		Id:    nick,
		Nick:  nick,
		Tags:  make(types.JSONStringMap),
		Guest: true,
	}
}
