// Package vault defines the on-disk layout and the durable file primitives
// every store builds on.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Location is a logical storage role inside the vault.
type Location string

const (
	Intake        Location = "intake"
	PlansGeneral  Location = "plans"
	PlansPending  Location = "plans_pending"
	PlansApproved Location = "plans_approved"
	PlansRejected Location = "plans_rejected"
	Accounting    Location = "accounting"
	DoneSuccess   Location = "done"
	DoneFailed    Location = "done_failed"
	DoneInvalid   Location = "done_invalid"
	Logs          Location = "logs"
	Locks         Location = "locks"
)

var relDirs = map[Location]string{
	Intake:        "Needs_Action",
	PlansGeneral:  "Plans",
	PlansPending:  filepath.Join("Plans", "Pending_Approval"),
	PlansApproved: filepath.Join("Plans", "Approved"),
	PlansRejected: filepath.Join("Plans", "Rejected"),
	Accounting:    "Accounting",
	DoneSuccess:   "Done",
	DoneFailed:    filepath.Join("Done", "Failed"),
	DoneInvalid:   filepath.Join("Done", "Invalid"),
	Logs:          "Logs",
	Locks:         ".locks",
}

// All lists every location in creation order (parents before children).
var All = []Location{
	Intake, PlansGeneral, PlansPending, PlansApproved, PlansRejected,
	Accounting, DoneSuccess, DoneFailed, DoneInvalid, Logs, Locks,
}

var ErrNoRoot = errors.New("vault root is required")

// Vault resolves locations under a root directory.
type Vault struct {
	root string
}

func New(root string) (*Vault, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrNoRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	return &Vault{root: abs}, nil
}

func (v *Vault) Root() string { return v.root }

// Dir returns the absolute directory of a location.
func (v *Vault) Dir(loc Location) string {
	rel, ok := relDirs[loc]
	if !ok {
		panic(fmt.Sprintf("vault: unknown location %q", loc))
	}
	return filepath.Join(v.root, rel)
}

// Path returns the absolute path of name inside loc.
func (v *Vault) Path(loc Location, name string) string {
	return filepath.Join(v.Dir(loc), filepath.Base(name))
}

// Init creates every location that does not exist yet and returns the
// directories it created. Running it again creates nothing.
func (v *Vault) Init() ([]string, error) {
	var created []string
	for _, loc := range All {
		dir := v.Dir(loc)
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return created, fmt.Errorf("vault location %s is not a directory: %s", loc, dir)
			}
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return created, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return created, fmt.Errorf("create %s: %w", dir, err)
		}
		created = append(created, dir)
	}
	return created, nil
}

// LocationOf maps an absolute directory back to its location.
func (v *Vault) LocationOf(dir string) (Location, bool) {
	dir = filepath.Clean(dir)
	for _, loc := range All {
		if v.Dir(loc) == dir {
			return loc, true
		}
	}
	return "", false
}

// List returns the names of regular files in loc whose names start with
// prefix and end with ".md", sorted.
func (v *Vault) List(loc Location, prefix string) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(loc))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".md") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Find returns the first location among locs that holds name.
func (v *Vault) Find(name string, locs ...Location) (Location, string, bool) {
	for _, loc := range locs {
		p := v.Path(loc, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return loc, p, true
		}
	}
	return "", "", false
}
