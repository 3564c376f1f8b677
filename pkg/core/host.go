package core

import (
	"math/bits"
	"sort"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// Host function names registered by NewRegistry.
const (
	HostAbort     = "abort"
	HostLog64     = "log_64"
	HostKeccak256 = "keccak256"
	HostBlake3    = "blake3"
)

// MaxHashInput bounds the input of the hashing host calls.
const MaxHashInput = 64 * 1024

// HostFunc is a function implemented by the host and callable from a body.
// Arguments arrive in r1-r5; the result goes to r0.
type HostFunc func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Registry maps name hashes to host functions.
type Registry struct {
	funcs map[uint32]HostFunc
	names map[uint32]string
}

// NewRegistry creates a registry with the standard host functions. log_64
// writes through log.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		funcs: make(map[uint32]HostFunc),
		names: make(map[uint32]string),
	}

	r.Register(HostAbort, func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, ErrAbort
	})

	r.Register(HostLog64, func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		log.Info("program log",
			zap.String("fn", vm.Name()),
			zap.Uint64s("values", []uint64{r1, r2, r3, r4, r5}))
		return 0, nil
	})

	// keccak256(ptr, len, out): 32-byte digest of [ptr, ptr+len) at out.
	r.Register(HostKeccak256, func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		data, err := hashInput(vm, r1, r2)
		if err != nil {
			return 0, err
		}
		h := sha3.NewLegacyKeccak256()
		h.Write(data)
		return 0, vm.Write(r3, h.Sum(nil))
	})

	r.Register(HostBlake3, func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		data, err := hashInput(vm, r1, r2)
		if err != nil {
			return 0, err
		}
		sum := blake3.Sum256(data)
		return 0, vm.Write(r3, sum[:])
	})

	return r
}

func hashInput(vm *Interpreter, ptr, n uint64) ([]byte, error) {
	if n > MaxHashInput {
		return nil, ErrInvalidMemoryAccess
	}
	data := make([]byte, n)
	if err := vm.Read(ptr, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Register adds or replaces a host function.
func (r *Registry) Register(name string, fn HostFunc) {
	h := Hash(name)
	r.funcs[h] = fn
	r.names[h] = name
}

// Get returns the host function with the given name hash.
func (r *Registry) Get(hash uint32) (HostFunc, bool) {
	if r == nil {
		return nil, false
	}
	fn, ok := r.funcs[hash]
	return fn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Hash returns the murmur3 (seed 0) hash of a function name. Call
// instructions name their target by this hash.
func Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	var h uint32
	nblocks := len(data) / 4
	for i := 0; i < nblocks; i++ {
		k := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		k *= c1
		k = bits.RotateLeft32(k, 15)
		k *= c2
		h ^= k
		h = bits.RotateLeft32(h, 13)
		h = h*5 + 0xe6546b64
	}

	var k uint32
	tail := data[nblocks*4:]
	switch len(tail) {
	case 3:
		k ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k ^= uint32(tail[0])
		k *= c1
		k = bits.RotateLeft32(k, 15)
		k *= c2
		h ^= k
	}

	h ^= uint32(len(data))
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
