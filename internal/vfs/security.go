package vfs

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rfratto/viofs/internal/fine"
)

// Identity ties a guest security identifier to a host uid and gid.
type Identity struct {
	SID string `yaml:"sid"`
	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`
}

// PermissionMapper translates between host modes and guest security
// descriptors, expressed in SDDL.
type PermissionMapper interface {
	// Descriptor builds the security descriptor for a host object.
	Descriptor(a fine.Attrib) (string, error)

	// Mode derives permission bits from a descriptor. Bits outside the
	// permission mask are taken from current.
	Mode(sddl string, current os.FileMode) (os.FileMode, error)
}

// Well-known SIDs.
const (
	sidEveryone     = "WD"
	unixUserPrefix  = "S-1-22-1-"
	unixGroupPrefix = "S-1-22-2-"
)

// ModeMapper maps the owner, group and other permission classes onto three
// ACEs. Objects owned by the host owner are presented as owned by the guest
// owner; other owners and every group are given unix SIDs.
type ModeMapper struct {
	Guest Identity
	Host  Identity
}

var _ PermissionMapper = (*ModeMapper)(nil)

// Descriptor implements PermissionMapper.
func (m *ModeMapper) Descriptor(a fine.Attrib) (string, error) {
	owner, group := m.ownerSID(a.UID), m.groupSID(a.GID)

	var sb strings.Builder
	fmt.Fprintf(&sb, "O:%sG:%sD:P", owner, group)
	for _, ace := range []struct {
		sid  string
		bits os.FileMode
	}{
		{owner, a.Mode >> 6},
		{group, a.Mode >> 3},
		{sidEveryone, a.Mode},
	} {
		rights := rightsString(ace.bits & 0o7)
		if rights == "" {
			continue
		}
		fmt.Fprintf(&sb, "(A;;%s;;;%s)", rights, ace.sid)
	}
	return sb.String(), nil
}

func (m *ModeMapper) ownerSID(uid uint32) string {
	if uid == m.Host.UID && m.Guest.SID != "" {
		return m.Guest.SID
	}
	return fmt.Sprintf("%s%d", unixUserPrefix, uid)
}

func (m *ModeMapper) groupSID(gid uint32) string {
	return fmt.Sprintf("%s%d", unixGroupPrefix, gid)
}

func rightsString(bits os.FileMode) string {
	var s string
	if bits&0o4 != 0 {
		s += "FR"
	}
	if bits&0o2 != 0 {
		s += "FW"
	}
	if bits&0o1 != 0 {
		s += "FX"
	}
	return s
}

var (
	ownerRE = regexp.MustCompile(`O:([^:()]+?)(?:G:|D:|S:|$)`)
	groupRE = regexp.MustCompile(`G:([^:()]+?)(?:D:|S:|$)`)
	aceRE   = regexp.MustCompile(`\(([A-Z]+);[^;]*;([^;]*);[^;]*;[^;]*;([^)]+)\)`)
)

// Mode implements PermissionMapper. Only allow ACEs for the owner, the
// group, and Everyone are considered. Generic and full-access rights imply
// every bit.
func (m *ModeMapper) Mode(sddl string, current os.FileMode) (os.FileMode, error) {
	var owner, group string
	if match := ownerRE.FindStringSubmatch(sddl); match != nil {
		owner = match[1]
	}
	if match := groupRE.FindStringSubmatch(sddl); match != nil {
		group = match[1]
	}

	aces := aceRE.FindAllStringSubmatch(sddl, -1)
	if aces == nil && !strings.Contains(sddl, "D:") {
		return current, fmt.Errorf("descriptor %q has no DACL: %w", sddl, fine.ErrorInvalid)
	}

	var perm os.FileMode
	for _, ace := range aces {
		if ace[1] != "A" {
			continue
		}
		bits := parseRights(ace[2])
		switch ace[3] {
		case owner:
			perm |= bits << 6
		case group:
			perm |= bits << 3
		case sidEveryone:
			perm |= bits
		}
	}
	return current&^os.ModePerm | perm, nil
}

func parseRights(rights string) os.FileMode {
	var bits os.FileMode
	for i := 0; i+2 <= len(rights); i += 2 {
		switch rights[i : i+2] {
		case "FR", "GR":
			bits |= 0o4
		case "FW", "GW":
			bits |= 0o2
		case "FX", "GX":
			bits |= 0o1
		case "FA", "GA":
			bits |= 0o7
		}
	}
	return bits
}
