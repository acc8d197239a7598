package filter

/*
Here the Env used in the event target filters is defined.
Once this struct is fixed, it should not be changed, otherwise filters attached
to historic events may not compile any more (f.e. if properties are renamed etc.)
*/

type User struct {
	Id         string
	Nick       string
	Language   string
	Tags       map[string]string
	LastOnline int64
}

type Room struct {
	Id   string
	Type string
	Tags map[string]string
}

type Source struct {
	User
}

type Target struct {
	User
}

// Env is the evaluation environment of a target filter. Source is the user
// that caused the event, Target the candidate recipient.
type Env struct {
	Room    Room
	Source  Source
	Target  Target
	Created int64
	Name    string

	AsInt         func(string) int64
	AsFloat       func(string) float64
	AsStringSlice func(string) []string
	AsIntSlice    func(string) []int64
	AsFloatSlice  func(string) []float64
}
