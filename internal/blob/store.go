package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Ref is an opaque content address ("sha256:<hex>"). Jobs persist refs only;
// the bytes live in a Store. Refs are stable across stores: the same bytes
// yield the same ref everywhere.
type Ref string

var ErrNotFound = errors.New("blob not found")

// Store is append-only byte storage. Superseded blobs stay addressable until
// external cleanup; nothing in the engine deletes.
type Store interface {
	Put(ctx context.Context, data []byte) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// Digest computes the content address for data.
func Digest(data []byte) Ref {
	sum := sha256.Sum256(data)
	return Ref("sha256:" + hex.EncodeToString(sum[:]))
}

// objectName strips the algorithm prefix for use as a flat storage key.
func objectName(ref Ref) (string, error) {
	s := string(ref)
	rest, ok := strings.CutPrefix(s, "sha256:")
	if !ok || rest == "" {
		return "", fmt.Errorf("malformed blob ref %q", s)
	}
	return rest, nil
}
