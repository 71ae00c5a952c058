// Package addressing derives the canonical hierarchical names that route RPC
// and pub/sub traffic for agent instances.  An address is the bus routing key
// and the registry key for one instance; it is derived, never stored as an
// independent source of truth.
package addressing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentifier reports an address component that is empty or contains
// a character reserved by the bus subject grammar.
var ErrInvalidIdentifier = errors.New("addressing: invalid identifier")

// reserved holds the characters the bus assigns meaning to in subjects:
// "." separates levels, "*" and ">" are subscription wildcards.
const reserved = ".*> \t\r\n"

// Address is a canonical hierarchical name, e.g. "observatory.aggregator"
// or "observatory.site-a.aggregator".
type Address string

// Canonical derives the address for an instance.  With an empty hostID the
// address is hub-scoped (root.instance); otherwise it is host-scoped
// (root.hostID.instance).  Each non-empty component must be free of reserved
// subject characters.
func Canonical(root, hostID, instanceID string) (Address, error) {
	if err := checkComponent("root", root); err != nil {
		return "", err
	}
	if err := checkComponent("instance id", instanceID); err != nil {
		return "", err
	}
	if hostID == "" {
		return Address(root + "." + instanceID), nil
	}
	if err := checkComponent("host id", hostID); err != nil {
		return "", err
	}
	return Address(root + "." + hostID + "." + instanceID), nil
}

// MustCanonical is Canonical for statically known components; it panics on
// invalid input and is intended for tests and built-in defaults.
func MustCanonical(root, hostID, instanceID string) Address {
	a, err := Canonical(root, hostID, instanceID)
	if err != nil {
		panic(err)
	}
	return a
}

// Validate checks that every identifier component is acceptable without
// deriving an address.  Used by descriptor validation.
func Validate(component string) error {
	return checkComponent("identifier", component)
}

func (a Address) String() string { return string(a) }

// InstanceID returns the final component of the address.
func (a Address) InstanceID() string {
	s := string(a)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Root returns the first component of the address.
func (a Address) Root() string {
	s := string(a)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Subject returns the bus subject for one operation on this address,
// e.g. addr.Subject("register").
func (a Address) Subject(op string) string {
	return string(a) + "." + op
}

// DirectorySubject returns the pub/sub subject carrying directory-changed
// events for the given address root.
func DirectorySubject(root string) string {
	return root + ".directory"
}

// FeedSubject returns the pub/sub subject on which an instance publishes its
// data frames.
func FeedSubject(root, instanceID string) string {
	return root + ".feeds." + instanceID
}

func checkComponent(what, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidIdentifier, what)
	}
	if i := strings.IndexAny(v, reserved); i >= 0 {
		return fmt.Errorf("%w: %s %q contains reserved character %q",
			ErrInvalidIdentifier, what, v, v[i])
	}
	return nil
}
