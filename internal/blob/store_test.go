package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_PutIsContentAddressed(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	ref1, err := st.Put(ctx, []byte("scene one"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref1 != Digest([]byte("scene one")) {
		t.Fatalf("ref = %s, want digest of content", ref1)
	}

	// Same bytes, same ref, still one blob.
	ref2, err := st.Put(ctx, []byte("scene one"))
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if ref2 != ref1 {
		t.Fatalf("identical bytes produced refs %s and %s", ref1, ref2)
	}
	if st.Len() != 1 {
		t.Fatalf("store holds %d blobs, want 1", st.Len())
	}

	ref3, err := st.Put(ctx, []byte("scene two"))
	if err != nil {
		t.Fatalf("put other: %v", err)
	}
	if ref3 == ref1 || st.Len() != 2 {
		t.Fatalf("distinct bytes collided (%s, %d blobs)", ref3, st.Len())
	}
}

func TestMemoryStore_GetReturnsIsolatedCopy(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	ref, err := st.Put(ctx, []byte("frame data"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got[0] = 'X'
	again, err := st.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if !bytes.Equal(again, []byte("frame data")) {
		t.Fatalf("stored bytes mutated through a read copy: %q", again)
	}
}

func TestMemoryStore_MissingRef(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.Get(ctx, Digest([]byte("never stored"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing = %v, want ErrNotFound", err)
	}
	ok, err := st.Exists(ctx, Digest([]byte("never stored")))
	if err != nil || ok {
		t.Fatalf("exists missing = %v, %v", ok, err)
	}

	ref, _ := st.Put(ctx, []byte("present"))
	ok, err = st.Exists(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("exists present = %v, %v", ok, err)
	}
}

func TestObjectName(t *testing.T) {
	name, err := objectName(Digest([]byte("x")))
	if err != nil {
		t.Fatalf("object name: %v", err)
	}
	if len(name) != 64 {
		t.Fatalf("object name %q is not a bare sha256 hex", name)
	}
	for _, bad := range []Ref{"", "sha256:", "md5:abcd", "abcd"} {
		if _, err := objectName(bad); err == nil {
			t.Fatalf("malformed ref %q accepted", bad)
		}
	}
}
