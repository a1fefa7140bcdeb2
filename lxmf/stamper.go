// Package lxmf implements the LXMF messaging layer on top of a Reticulum
// Transport/Link: message serialization (message.go), proof-of-work
// stamps (stamper.go), and the three-strategy delivery router
// (router.go). Adapted from the teacher's socks package for its
// paired-goroutine WaitGroup idiom, generalized here to N racing workers
// sharing a single cancellation channel.
package lxmf

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cvsouth/reticulum-go/crypto"
)

// Expand-round counts per §3 "Stamp" — differ by context.
const (
	StampExpandRoundsDelivery    = 3000
	StampExpandRoundsPropagation = 1000
	StampExpandRoundsPeering     = 25
)

// StampLen is the size of a stamp appended to a message payload.
const StampLen = 32

// workblockRoundLen is the HKDF output length per expansion round; with
// expand_rounds=2 this yields a 512-byte workblock, matching §8 scenario S1.
const workblockRoundLen = 256

// GenerateWorkblock deterministically expands material (a message id) into
// a workblock of expand_rounds * 256 bytes, per §3:
// concat_{n=0..expand_rounds-1} HKDF(ikm=material, salt=SHA256(material||msgpack(n)), info=nil, len=256).
func GenerateWorkblock(material []byte, expandRounds int) ([]byte, error) {
	out := make([]byte, 0, expandRounds*workblockRoundLen)
	for n := 0; n < expandRounds; n++ {
		nEnc, err := msgpack.Marshal(n)
		if err != nil {
			return nil, fmt.Errorf("encode round %d: %w", n, err)
		}
		saltInput := append(append([]byte(nil), material...), nEnc...)
		salt := sha256.Sum256(saltInput)
		block, err := crypto.HKDF(material, salt[:], nil, workblockRoundLen)
		if err != nil {
			return nil, fmt.Errorf("hkdf round %d: %w", n, err)
		}
		out = append(out, block...)
	}
	return out, nil
}

// stampTarget returns 2^(256-cost) as a big.Int, the threshold a stamp's
// hash must not exceed.
func stampTarget(cost int) *big.Int {
	if cost <= 0 {
		return new(big.Int).Lsh(big.NewInt(1), 256) // any hash qualifies
	}
	if cost >= 256 {
		return big.NewInt(0) // unsatisfiable
	}
	return new(big.Int).Lsh(big.NewInt(1), uint(256-cost))
}

func stampHash(workblock, stamp []byte) *big.Int {
	h := sha256.Sum256(append(append([]byte(nil), workblock...), stamp...))
	return new(big.Int).SetBytes(h[:])
}

// ValidateStamp is a pure function: true iff SHA-256(workblock||stamp),
// read as an unsigned big-endian integer, is <= 2^(256-cost).
func ValidateStamp(stamp, workblock []byte, cost int) bool {
	if len(stamp) != StampLen {
		return false
	}
	return stampHash(workblock, stamp).Cmp(stampTarget(cost)) <= 0
}

// StampValue returns the number of leading zero bits of
// SHA-256(workblock||stamp), used to score over-qualified stamps (§4.J).
func StampValue(workblock, stamp []byte) int {
	h := sha256.Sum256(append(append([]byte(nil), workblock...), stamp...))
	zeros := 0
	for _, b := range h {
		if b == 0 {
			zeros += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return zeros
			}
			zeros++
		}
	}
	return zeros
}

// GenerateStamp searches for a 32-byte stamp valid at cost against
// workblock, parallelized across workers racing on random candidates; the
// first winner cancels the rest. The search is cancellable via cancel — a
// caller closing it stops every worker even
// if no valid stamp is ever found, satisfying the "cost 256 unsatisfiable,
// must be cancellable" boundary case (§8).
func GenerateStamp(workblock []byte, cost int, workers int, cancel <-chan struct{}) ([]byte, error) {
	if workers <= 0 {
		workers = 1
	}
	target := stampTarget(cost)
	if target.Sign() == 0 {
		// cost >= 256: unsatisfiable. Still run, honoring cancel, so
		// callers can test the cancellable-search contract directly.
		<-cancel
		return nil, fmt.Errorf("stamp search cancelled: cost %d is unsatisfiable", cost)
	}

	found := make(chan []byte, 1)
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidate := make([]byte, StampLen)
			for {
				select {
				case <-done:
					return
				case <-cancel:
					closeDone()
					return
				default:
				}
				if _, err := rand.Read(candidate); err != nil {
					return
				}
				if stampHash(workblock, candidate).Cmp(target) <= 0 {
					select {
					case found <- append([]byte(nil), candidate...):
						closeDone()
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		closeDone()
	}()

	select {
	case stamp := <-found:
		return stamp, nil
	case <-done:
		select {
		case stamp := <-found:
			return stamp, nil
		default:
			return nil, fmt.Errorf("stamp search cancelled before a valid stamp was found")
		}
	}
}
