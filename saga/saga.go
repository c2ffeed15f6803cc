package saga

// A Saga owns an immutable definition and creates sessions for new
// instances of it
type Saga interface {
	Name() string
	Definition() *Definition
	CreateSession(args interface{}) (*Session, error)
}

// SessionFactory builds the saga-specific data a new session carries
type SessionFactory func(args interface{}) (interface{}, error)

// New creates a saga from its parts. The factory may be nil for sagas
// whose sessions carry no data beyond the arguments they started with.
func New(name string, def *Definition, factory SessionFactory) Saga {
	return &simpleSaga{name: name, def: def, factory: factory}
}

type simpleSaga struct {
	name    string
	def     *Definition
	factory SessionFactory
}

func (s *simpleSaga) Name() string            { return s.name }
func (s *simpleSaga) Definition() *Definition { return s.def }

func (s *simpleSaga) CreateSession(args interface{}) (*Session, error) {
	data := args
	if s.factory != nil {
		built, err := s.factory(args)
		if err != nil {
			return nil, err
		}
		data = built
	}
	return NewSession(s.name, data), nil
}
