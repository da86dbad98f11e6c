package registry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/ui-compose/internal/config"
)

func TestRegistry_ResolveReturnsRegisteredDescriptor(t *testing.T) {
	r := New()
	descriptors := []Descriptor{
		{Name: "cart", Locator: "file:modules/cart.lua", ExportKey: "App"},
		{Name: "profile", Locator: "https://cdn.example.com/profile.lua", ExportKey: "Widget"},
		{Name: "banner", Locator: "bundle:modules/banner.html", ExportKey: "Banner"},
	}
	for _, d := range descriptors {
		require.NoError(t, r.Register(d))
	}

	for _, d := range descriptors {
		t.Run(d.Name, func(t *testing.T) {
			got, err := r.Resolve(d.Name)
			require.NoError(t, err)
			assert.Equal(t, d, got)
		})
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"banner", "cart", "profile"}, r.Names())
}

func TestRegistry_UnknownName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "cart", Locator: "L", ExportKey: "App"}))

	for _, name := range []string{"", "Cart", "carts", "products"} {
		got, err := r.Resolve(name)
		var unknown *UnknownModuleError
		require.True(t, errors.As(err, &unknown), "expected *UnknownModuleError for %q, got %v", name, err)
		assert.Equal(t, name, unknown.Name)
		assert.Equal(t, Descriptor{}, got, "must never return a default")
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "cart", Locator: "L1", ExportKey: "App"}))

	err := r.Register(Descriptor{Name: "cart", Locator: "L2", ExportKey: "Other"})
	var dup *DuplicateNameError
	require.True(t, errors.As(err, &dup), "expected *DuplicateNameError, got %T", err)
	assert.Equal(t, "cart", dup.Name)

	got, err := r.Resolve("cart")
	require.NoError(t, err)
	assert.Equal(t, "L1", got.Locator, "first registration wins")
}

func TestRegistry_InvalidDescriptor(t *testing.T) {
	tests := []struct {
		d     Descriptor
		field string
	}{
		{Descriptor{Locator: "L", ExportKey: "App"}, "name"},
		{Descriptor{Name: "cart", ExportKey: "App"}, "locator"},
		{Descriptor{Name: "cart", Locator: "L"}, "export"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			err := New().Register(tt.d)
			var invalid *InvalidDescriptorError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestRegistry_Seal(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Name: "cart", Locator: "L", ExportKey: "App"}))
	r.Seal()

	assert.True(t, r.Sealed())
	assert.ErrorIs(t, r.Register(Descriptor{Name: "profile", Locator: "L", ExportKey: "App"}), ErrSealed)
	assert.True(t, r.Has("cart"))
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	r := New()
	for i := range 10 {
		require.NoError(t, r.Register(Descriptor{Name: fmt.Sprintf("m%d", i), Locator: "L", ExportKey: "App"}))
	}
	r.Seal()

	done := make(chan struct{})
	for i := range 10 {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 100 {
				_, err := r.Resolve(fmt.Sprintf("m%d", i))
				assert.NoError(t, err)
			}
		}()
	}
	for range 10 {
		<-done
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Modules["cart"] = config.ModuleConfig{Locator: "file:modules/cart.lua", Export: "App"}
	cfg.Modules["profile"] = config.ModuleConfig{Locator: "profile.html", Export: "Card"}

	r, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.True(t, r.Sealed())
	assert.Equal(t, []Descriptor{
		{Name: "cart", Locator: "file:modules/cart.lua", ExportKey: "App"},
		{Name: "profile", Locator: "profile.html", ExportKey: "Card"},
	}, r.Descriptors())
}

func TestFromConfigInvalid(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Modules["cart"] = config.ModuleConfig{Locator: "file:modules/cart.lua"}

	_, err := FromConfig(cfg)
	var invalid *InvalidDescriptorError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "cart", invalid.Name)
}

func TestDefaultRegistry(t *testing.T) {
	orig := Default()
	t.Cleanup(func() { SetDefault(orig) })

	r := New()
	SetDefault(r)
	assert.Same(t, r, Default())
}
