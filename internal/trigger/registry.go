package trigger

import (
	"time"

	"occasio/internal/types"
)

// Definition is one kind of annually recurring trigger. Implementations are
// stateless; adding a new occasion means implementing this interface and
// registering it, with no changes to the jobs or workers.
type Definition interface {
	// Kind is the stable identifier stored on delivery records and used in
	// idempotency keys. Must never change once records exist.
	Kind() string

	// EventDate returns the user's date for this occasion, or nil if the
	// user has none and the trigger can never fire for them.
	EventDate(user *types.User) *time.Time

	// SendTime is the local wall-clock time of day deliveries for this
	// kind aim for.
	SendTime() (hour, minute int)

	// Render produces the message content snapshot for the user. Called at
	// precompute time; the result is stored on the delivery record.
	Render(user *types.User) types.RenderedContent
}

// FiresOn reports whether the definition fires for the user on the given
// local calendar date, honoring the leap-day fallback policy.
func FiresOn(def Definition, user *types.User, date LocalDate, fallback LeapDayFallback) bool {
	event := def.EventDate(user)
	if event == nil {
		return false
	}
	return MatchesAnnual(*event, date, fallback)
}

// Registry holds the registered trigger definitions. It is populated once at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	defs  map[string]Definition
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// DefaultRegistry returns a registry with the built-in trigger kinds, all
// aiming for the given local send time.
func DefaultRegistry(sendHour, sendMinute int) *Registry {
	r := NewRegistry()
	r.MustRegister(Birthday{Hour: sendHour, Minute: sendMinute})
	r.MustRegister(Anniversary{Hour: sendHour, Minute: sendMinute})
	return r
}

// Register adds a definition. Duplicate kinds are a programming error.
func (r *Registry) Register(def Definition) error {
	kind := def.Kind()
	if _, exists := r.defs[kind]; exists {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "trigger kind already registered: "+kind, nil)
	}
	r.defs[kind] = def
	r.order = append(r.order, kind)
	return nil
}

// MustRegister is Register for startup wiring, panicking on duplicates.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for a kind, or a not-found AppError.
func (r *Registry) Get(kind string) (Definition, error) {
	def, ok := r.defs[kind]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundTrigger, "unknown trigger kind: "+kind, nil)
	}
	return def, nil
}

// All returns the definitions in registration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, kind := range r.order {
		out = append(out, r.defs[kind])
	}
	return out
}
