package ormerr

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

type widget struct{}

func TestKindOf(t *testing.T) {
	wt := reflect.TypeOf(widget{})

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"identity", &IdentityError{Type: wt, ID: 1, Reason: IdentityNotFound}, KindIdentity},
		{"version", &VersionError{Type: wt, ID: 1, Expected: 1, Actual: 2}, KindVersion},
		{"lazy", &LazyContentError{Type: wt, Property: "Items"}, KindLazyContent},
		{"shape", &ShapeError{Type: wt, Reason: "cannot instantiate"}, KindShape},
		{"wrapped version", fmt.Errorf("Post.Author: %w", &VersionError{Type: wt}), KindVersion},
		{"no such property", NoSuchProperty(wt, "Missing"), KindShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestNoSuchProperty(t *testing.T) {
	err := NoSuchProperty(reflect.TypeOf(widget{}), "Color")

	assert.True(t, errors.Is(err, ErrNoSuchProperty))
	assert.True(t, errors.Is(err, ErrShape))
	assert.Contains(t, err.Error(), "widget.Color")

	other := &ShapeError{Type: reflect.TypeOf(widget{}), Reason: "cannot instantiate"}
	assert.False(t, errors.Is(other, ErrNoSuchProperty))
}

func TestIsNotFound(t *testing.T) {
	notFound := &IdentityError{Type: reflect.TypeOf(widget{}), ID: 7, Reason: IdentityNotFound}
	missing := &IdentityError{Type: reflect.TypeOf(widget{}), Reason: IdentityMissing}

	assert.True(t, IsNotFound(fmt.Errorf("wrapped: %w", notFound)))
	assert.False(t, IsNotFound(missing))
	assert.True(t, IsIdentity(missing))
	assert.Equal(t, "identity error: ormerr.widget has no identifier", missing.Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "identity", KindIdentity.String())
	assert.Equal(t, "version", KindVersion.String())
	assert.Equal(t, "lazy_content", KindLazyContent.String())
	assert.Equal(t, "shape", KindShape.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
