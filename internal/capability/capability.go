// Package capability implements component L: signed authorization tokens
// (spec.md §4.L). Signing uses the standard library's crypto/ed25519 —
// justified in DESIGN.md: no third-party signing package appears
// anywhere in the retrieval pack, and ed25519 is the exact primitive
// spec.md names, native to the standard library since Go 1.13.
package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/d7kernel/d7kernel/internal/defs"
)

// CapId identifies one capability (the authority to do something
// specific — the core does not interpret its meaning beyond equality).
type CapId uint64

// Token is the wire format from spec.md §4.L: issuer_pid, cap_id,
// ed25519 signature.
type Token struct {
	IssuerPid defs.Pid_t
	CapId     CapId
	Sig       [ed25519.SignatureSize]byte
}

func signedMessage(issuer defs.Pid_t, cap CapId) []byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(issuer))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(cap))
	return buf[:]
}

// Registry is the kernel-held keypair and per-process capability sets
// (spec.md §3 Process: "security context (capability set + alternate
// `exec` set)"). Only the kernel ever holds the private key.
type Registry struct {
	mu      sync.Mutex
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	// live set and alternate exec set, per pid
	caps     map[defs.Pid_t]map[CapId]bool
	execCaps map[defs.Pid_t]map[CapId]bool
}

// NewRegistry generates the kernel's signing keypair at boot.
func NewRegistry() (*Registry, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("capability: key generation: %w", err)
	}
	return &Registry{
		pub:      pub,
		priv:     priv,
		caps:     make(map[defs.Pid_t]map[CapId]bool),
		execCaps: make(map[defs.Pid_t]map[CapId]bool),
	}, nil
}

// Grant gives pid cap_id directly, bypassing signing — used by the kernel
// acting as issuer 0 (cmd/kernel's bootstrap grant to init). The set a
// child inherits through exec is installed by SeedChild instead.
func (r *Registry) Grant(pid defs.Pid_t, cap CapId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grantLocked(pid, cap)
}

func (r *Registry) grantLocked(pid defs.Pid_t, cap CapId) {
	m, ok := r.caps[pid]
	if !ok {
		m = make(map[CapId]bool)
		r.caps[pid] = m
	}
	m[cap] = true
}

// Has reports whether pid currently holds cap.
func (r *Registry) Has(pid defs.Pid_t, cap CapId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caps[pid][cap]
}

// Sign mints a token for cap, provided the caller currently holds it
// (spec.md §4.H: "sign mints a token for a capability the caller holds").
func (r *Registry) Sign(caller defs.Pid_t, cap CapId) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.caps[caller][cap] {
		return Token{}, defs.ENotPermitted
	}
	msg := signedMessage(caller, cap)
	sig := ed25519.Sign(r.priv, msg)
	var tk Token
	tk.IssuerPid = caller
	tk.CapId = cap
	copy(tk.Sig[:], sig)
	return tk, nil
}

// Verify checks tk's signature against the kernel's public key. Returns
// true iff it verifies (spec.md §8: "a token verifies iff signed by the
// kernel key").
func (r *Registry) Verify(tk Token) bool {
	msg := signedMessage(tk.IssuerPid, tk.CapId)
	return ed25519.Verify(r.pub, msg, tk.Sig[:])
}

// Import adds tk's capability to caller's live set, provided tk verifies.
func (r *Registry) Import(caller defs.Pid_t, tk Token) error {
	if !r.Verify(tk) {
		return defs.EBadArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grantLocked(caller, tk.CapId)
	return nil
}

// Reduce irreversibly drops cap from pid's live set.
func (r *Registry) Reduce(pid defs.Pid_t, cap CapId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps[pid], cap)
}

// ExecReduce drops cap from pid's alternate exec set (the set that will
// be handed to a child on exec).
func (r *Registry) ExecReduce(pid defs.Pid_t, cap CapId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.execCaps[pid], cap)
}

// ExecClone copies pid's live set into its alternate exec set, to be
// consumed by the next exec (spec.md §4.L).
func (r *Registry) ExecClone(pid defs.Pid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[CapId]bool, len(r.caps[pid]))
	for c := range r.caps[pid] {
		m[c] = true
	}
	r.execCaps[pid] = m
}

// SeedChild installs parent's exec-cloned set as child's initial live
// set, called by internal/syscall's sysExec when a new process is created.
func (r *Registry) SeedChild(parent, child defs.Pid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[CapId]bool, len(r.execCaps[parent]))
	for c := range r.execCaps[parent] {
		m[c] = true
	}
	r.caps[child] = m
}

// Drop removes all bookkeeping for pid, called on process termination.
func (r *Registry) Drop(pid defs.Pid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, pid)
	delete(r.execCaps, pid)
}
