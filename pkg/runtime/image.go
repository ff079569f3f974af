package runtime

import (
	"fmt"
	"strings"
)

const (
	// DefaultRegistry is assumed when a reference carries no registry host.
	DefaultRegistry = "docker.io"

	// DefaultTag is assumed when a reference carries no tag or digest.
	DefaultTag = "latest"
)

// ImageRef is a parsed container image reference. Tag holds either a tag
// or a digest ("sha256:..."); Format restores the original form.
type ImageRef struct {
	Registry string
	Name     string
	Tag      string
}

// Format reassembles the reference. Digests rejoin with "@", tags with ":".
func (r ImageRef) Format() string {
	sep := ":"
	if strings.Contains(r.Tag, ":") {
		sep = "@"
	}
	return r.Registry + "/" + r.Name + sep + r.Tag
}

// String is Format without the default registry and tag, matching what a
// user would have typed.
func (r ImageRef) String() string {
	s := r.Name
	if r.Registry != DefaultRegistry {
		s = r.Registry + "/" + s
	}
	if strings.Contains(r.Tag, ":") {
		return s + "@" + r.Tag
	}
	if r.Tag != DefaultTag {
		return s + ":" + r.Tag
	}
	return s
}

// ParseImage splits a reference into (registry, name, tag). The first path
// segment is a registry when it contains a dot or a colon or equals
// "localhost"; otherwise the registry defaults to docker.io. A missing tag
// defaults to latest. Invalid registry hosts or repository names yield an
// error.
func ParseImage(ref string) (ImageRef, error) {
	if ref == "" {
		return ImageRef{}, fmt.Errorf("invalid repository: empty reference")
	}

	registry := DefaultRegistry
	remainder := ref

	if i := strings.Index(ref, "/"); i >= 0 {
		head := ref[:i]
		if strings.ContainsAny(head, ".:") || head == "localhost" {
			registry = head
			remainder = ref[i+1:]
		}
	}

	var name, tag string
	if i := strings.Index(remainder, "@"); i >= 0 {
		name, tag = remainder[:i], remainder[i+1:]
		if !strings.Contains(tag, ":") {
			return ImageRef{}, fmt.Errorf("invalid repository %q: malformed digest", ref)
		}
	} else if i := strings.LastIndex(remainder, ":"); i >= 0 && !strings.Contains(remainder[i:], "/") {
		name, tag = remainder[:i], remainder[i+1:]
	} else {
		name, tag = remainder, DefaultTag
	}

	if !validRegistry(registry) {
		return ImageRef{}, fmt.Errorf("invalid repository %q: bad registry %q", ref, registry)
	}
	if !validName(name) {
		return ImageRef{}, fmt.Errorf("invalid repository %q: bad name %q", ref, name)
	}
	if tag == "" {
		return ImageRef{}, fmt.Errorf("invalid repository %q: empty tag", ref)
	}

	return ImageRef{Registry: registry, Name: name, Tag: tag}, nil
}

// validRegistry accepts host[:port] where the host is alphanumeric with
// interior dots and dashes.
func validRegistry(registry string) bool {
	host := registry
	if i := strings.LastIndex(registry, ":"); i >= 0 {
		host = registry[:i]
		port := registry[i+1:]
		if port == "" {
			return false
		}
		for _, c := range port {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	if host == "" {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !alnum(c) && c != '-' {
				return false
			}
		}
	}
	return true
}

// validName accepts slash-separated components of lowercase alphanumerics
// joined by single ., _, __ or - separators, per the repository grammar.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, comp := range strings.Split(name, "/") {
		if !validNameComponent(comp) {
			return false
		}
	}
	return true
}

func validNameComponent(comp string) bool {
	if comp == "" {
		return false
	}
	if !lowerAlnum(rune(comp[0])) || !lowerAlnum(rune(comp[len(comp)-1])) {
		return false
	}
	for _, c := range comp {
		if !lowerAlnum(c) && c != '.' && c != '_' && c != '-' {
			return false
		}
	}
	return true
}

func alnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func lowerAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
