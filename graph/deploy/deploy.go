// Package deploy stores the resources shipped with an application (code,
// data files and archives) and serves them to vertex runners by id through
// the graph.ResourceProvider interface.
//
// Resources arrive in parts. FileStore assembles the parts of each resource
// in a private directory and, once a resource is complete, indexes it for
// lookup. RedisStore publishes completed resources so that several nodes can
// share them.
package deploy

import (
	"errors"
	"fmt"
)

// Kind classifies a resource.
type Kind int

const (
	// KindData is an opaque data file registered under its id.
	KindData Kind = iota

	// KindCode is an executable artifact registered under its id.
	KindCode

	// KindArchive is a zip archive. Every regular file in it is registered
	// under its entry name; the archive itself is not.
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCode:
		return "code"
	case KindArchive:
		return "archive"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a kind name as produced by String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "data", "":
		return KindData, nil
	case "code":
		return KindCode, nil
	case "archive", "zip":
		return KindArchive, nil
	default:
		return 0, fmt.Errorf("unknown resource kind %q", s)
	}
}

// Descriptor identifies a resource.
type Descriptor struct {
	ID   string
	Kind Kind
}

// Part is one chunk of a resource upload. Parts may arrive in any order.
type Part struct {
	Descriptor Descriptor
	Offset     int64
	Bytes      []byte
}

// ErrDestroyed is returned by a store after Destroy.
var ErrDestroyed = errors.New("resource store destroyed")

// ErrUnknownResource is returned when completing a resource no part was
// uploaded for.
var ErrUnknownResource = errors.New("no parts uploaded for resource")
