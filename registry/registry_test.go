package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/resource"
)

type fakeHandler struct {
	name string
	next core.Handler
}

func (h *fakeHandler) Name() string                                  { return h.name }
func (h *fakeHandler) Description() string                           { return "fake" }
func (h *fakeHandler) Kind() core.HandlerKind                        { return core.KindCode }
func (h *fakeHandler) Invoke(*core.Invocation) (*core.Result, error) { return &core.Result{}, nil }
func (h *fakeHandler) Unwrap() core.Handler                          { return h.next }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(Spec{Name: "alpha", Handler: &fakeHandler{name: "alpha"}}))

	spec, err := r.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", spec.Name)
}

func TestRegistry_UnknownName(t *testing.T) {
	r := New()

	_, err := r.Lookup("ghost")

	var unknown *core.UnknownNameError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Name)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(Spec{Name: "alpha", Handler: &fakeHandler{name: "alpha"}}))
	assert.Error(t, r.Register(Spec{Name: "alpha", Handler: &fakeHandler{name: "alpha2"}}))
}

func TestRegistry_FrozenRejectsRegistration(t *testing.T) {
	r := New()
	r.Freeze()

	assert.Error(t, r.Register(Spec{Name: "late", Handler: &fakeHandler{name: "late"}}))
}

func TestRegistry_ValidatesResourceDeclarations(t *testing.T) {
	r := New()

	err := r.Register(Spec{
		Name:    "bad-resources",
		Handler: &fakeHandler{name: "bad-resources"},
		Resources: []resource.Spec{
			{Name: "db", Lifecycle: resource.LifecycleShared}, // no instance
		},
	})

	assert.Error(t, err)
}

func TestRegistry_Names(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(Spec{Name: "beta", Handler: &fakeHandler{name: "beta"}}))
	require.NoError(t, r.Register(Spec{Name: "alpha", Handler: &fakeHandler{name: "alpha"}}))

	assert.Equal(t, []string{"alpha", "beta"}, r.Names())
}

func TestVerifyAcyclic(t *testing.T) {
	t.Run("linear chain passes", func(t *testing.T) {
		inner := &fakeHandler{name: "inner"}
		outer := &fakeHandler{name: "outer", next: inner}

		assert.NoError(t, VerifyAcyclic(outer))
	})

	t.Run("self reference detected", func(t *testing.T) {
		h := &fakeHandler{name: "selfie"}
		h.next = h

		var cycleErr *CycleDetectedError
		require.ErrorAs(t, VerifyAcyclic(h), &cycleErr)
		assert.Equal(t, "selfie", cycleErr.Handler)
	})

	t.Run("mutual recursion detected", func(t *testing.T) {
		a := &fakeHandler{name: "a"}
		b := &fakeHandler{name: "b", next: a}
		a.next = b

		assert.Error(t, VerifyAcyclic(a))
	})

	t.Run("registration rejects cyclic composition", func(t *testing.T) {
		h := &fakeHandler{name: "selfie"}
		h.next = h

		r := New()
		assert.Error(t, r.Register(Spec{Name: "selfie", Handler: h}))
	})
}
