package tree

import (
	"html/template"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorLifecycle(t *testing.T) {
	tr := New()
	require.NoError(t, tr.CreateAnchor("local"))
	require.NoError(t, tr.CreateAnchor("slot-cart"))
	assert.ErrorIs(t, tr.CreateAnchor("local"), ErrAnchorExists)

	require.NoError(t, tr.Attach("slot-cart", "<p>Loading...</p>"))
	require.NoError(t, tr.Attach("slot-cart", "<div>Cart Application</div>"))
	html, ok := tr.Content("slot-cart")
	require.True(t, ok)
	assert.Equal(t, template.HTML("<div>Cart Application</div>"), html)

	require.NoError(t, tr.Detach("slot-cart"))
	html, _ = tr.Content("slot-cart")
	assert.Empty(t, html)

	require.NoError(t, tr.Remove("slot-cart"))
	assert.False(t, tr.Has("slot-cart"))
	assert.Equal(t, []string{"local"}, tr.Anchors())
}

func TestAttachToRemovedAnchorFails(t *testing.T) {
	tr := New()
	require.NoError(t, tr.CreateAnchor("slot-cart"))
	require.NoError(t, tr.Remove("slot-cart"))

	assert.ErrorIs(t, tr.Attach("slot-cart", "<div/>"), ErrNoAnchor)
	assert.ErrorIs(t, tr.Detach("slot-cart"), ErrNoAnchor)
	assert.ErrorIs(t, tr.Remove("slot-cart"), ErrNoAnchor)
}

func TestHTMLRendersInOrder(t *testing.T) {
	tr := New()
	require.NoError(t, tr.CreateAnchor("local"))
	require.NoError(t, tr.CreateAnchor("slot-cart"))
	require.NoError(t, tr.Attach("local", "<h1>Product Listing</h1>"))
	require.NoError(t, tr.Attach("slot-cart", "<div>Cart</div>"))

	assert.Equal(t, template.HTML(
		`<div id="uic-local" data-anchor="local"><h1>Product Listing</h1></div>`+"\n"+
			`<div id="uic-slot-cart" data-anchor="slot-cart"><div>Cart</div></div>`+"\n"),
		tr.HTML())
}

func TestPatchesQueueAndFlush(t *testing.T) {
	tr := New()
	changes := 0
	tr.OnChange(func() { changes++ })

	require.NoError(t, tr.CreateAnchor("slot-cart"))
	require.NoError(t, tr.Attach("slot-cart", "<div>x</div>"))
	assert.Error(t, tr.Attach("missing", "y"))

	assert.True(t, tr.HasPendingPatches())
	assert.Equal(t, []Patch{
		{Op: OpCreate, Anchor: "slot-cart"},
		{Op: OpAttach, Anchor: "slot-cart", HTML: "<div>x</div>"},
	}, tr.FlushPatches())
	assert.Equal(t, 2, changes, "failed operations do not notify")
	assert.Nil(t, tr.FlushPatches())
}
