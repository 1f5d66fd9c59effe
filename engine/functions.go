package engine

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math/bits"
	"strings"
	"sync"

	sqlite "modernc.org/sqlite"
)

const (
	// FuncHamming is the BLOB variant: hamming(a, b).
	FuncHamming = "hamming"
	// FuncHammingSegments takes 2k INTEGER segments:
	// hamming_seg(a0, ..., ak-1, b0, ..., bk-1).
	FuncHammingSegments = "hamming_seg"
)

var registerOnce sync.Once
var registerErr error

// RegisterHammingFunctions registers hamming and hamming_seg with the driver
// so they are available on new connections opened after this call.
// Note: existing open connections will not see new functions.
func RegisterHammingFunctions(_ *sql.DB) error {
	registerOnce.Do(func() {
		if err := sqlite.RegisterDeterministicScalarFunction(FuncHamming, 2, hammingImpl); err != nil && !alreadyRegistered(err) {
			registerErr = err
			return
		}
		if err := sqlite.RegisterDeterministicScalarFunction(FuncHammingSegments, -1, hammingSegImpl); err != nil && !alreadyRegistered(err) {
			registerErr = err
		}
	})
	return registerErr
}

func alreadyRegistered(err error) bool {
	return strings.Contains(err.Error(), "already registered")
}

func hammingImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("hamming: expected 2 arguments, got %d", len(args))
	}
	a, ok := args[0].([]byte)
	if !ok && args[0] != nil {
		return nil, fmt.Errorf("hamming: unsupported argument type %T; want BLOB", args[0])
	}
	b, ok := args[1].([]byte)
	if !ok && args[1] != nil {
		return nil, fmt.Errorf("hamming: unsupported argument type %T; want BLOB", args[1])
	}
	if a == nil || b == nil {
		return nil, nil
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("hamming: length mismatch %d vs %d", len(a), len(b))
	}
	var d int64
	for i := range a {
		d += int64(bits.OnesCount8(a[i] ^ b[i]))
	}
	return d, nil
}

func hammingSegImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("hamming_seg: expected an even, non-zero number of arguments, got %d", len(args))
	}
	k := len(args) / 2
	var d int64
	for i := 0; i < k; i++ {
		a, okA := args[i].(int64)
		b, okB := args[i+k].(int64)
		if args[i] == nil || args[i+k] == nil {
			return nil, nil
		}
		if !okA || !okB {
			return nil, fmt.Errorf("hamming_seg: unsupported argument types %T, %T; want INTEGER", args[i], args[i+k])
		}
		d += int64(bits.OnesCount64(uint64(a) ^ uint64(b)))
	}
	return d, nil
}
