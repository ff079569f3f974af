package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseImage(t *testing.T) {
	tests := []struct {
		ref      string
		registry string
		name     string
		tag      string
		wantErr  bool
	}{
		{ref: "harbor2.example.ai/demo/avg@sha256:abcd", registry: "harbor2.example.ai", name: "demo/avg", tag: "sha256:abcd"},
		{ref: "image", registry: "docker.io", name: "image", tag: "latest"},
		{ref: "my.reg:5000/nested/image:tag", registry: "my.reg:5000", name: "nested/image", tag: "tag"},
		{ref: "-bad.example/image", wantErr: true},
		{ref: "library/python:3.12", registry: "docker.io", name: "library/python", tag: "3.12"},
		{ref: "localhost/foo", registry: "localhost", name: "foo", tag: "latest"},
		{ref: "localhost:5000/foo:bar", registry: "localhost:5000", name: "foo", tag: "bar"},
		{ref: "", wantErr: true},
		{ref: "reg.example/UPPER", wantErr: true},
		{ref: "reg.example:abc/image", wantErr: true},
		{ref: "reg.example/image@notadigest", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ParseImage(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.registry, got.Registry)
			assert.Equal(t, tt.name, got.Name)
			assert.Equal(t, tt.tag, got.Tag)
		})
	}
}

func TestImageFormatRoundTrip(t *testing.T) {
	refs := []ImageRef{
		{Registry: "docker.io", Name: "image", Tag: "latest"},
		{Registry: "my.reg:5000", Name: "nested/image", Tag: "tag"},
		{Registry: "harbor2.example.ai", Name: "demo/avg", Tag: "sha256:abcd"},
	}
	for _, ref := range refs {
		t.Run(ref.Format(), func(t *testing.T) {
			parsed, err := ParseImage(ref.Format())
			assert.NoError(t, err)
			assert.Equal(t, ref, parsed)
		})
	}
}
