package secrets

import (
	"context"
	"errors"
	"testing"
)

type fakeBlob struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeBlob) ReadBlob(ctx context.Context, bucket, object string) ([]byte, error) {
	f.calls++
	return f.data, f.err
}

func TestStatic(t *testing.T) {
	s := Static{"usda_api_key": "abc", "empty": ""}
	if v, err := s.Get(context.Background(), "usda_api_key"); err != nil || v != "abc" {
		t.Errorf("Get() = %q, %v", v, err)
	}
	for _, name := range []string{"empty", "missing"} {
		if _, err := s.Get(context.Background(), name); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%s) error = %v, want ErrNotFound", name, err)
		}
	}
}

func TestEnv(t *testing.T) {
	env := Env{Lookup: func(k string) (string, bool) {
		if k == "WTO_API_KEY" {
			return "from-env", true
		}
		return "", false
	}}
	if v, err := env.Get(context.Background(), "wto_api_key"); err != nil || v != "from-env" {
		t.Errorf("Get() = %q, %v", v, err)
	}
	if _, err := env.Get(context.Background(), "usda_api_key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEnv_RealEnvironment(t *testing.T) {
	t.Setenv("STATVAR_TEST_SECRET", "value")
	if v, err := (Env{}).Get(context.Background(), "statvar_test_secret"); err != nil || v != "value" {
		t.Errorf("Get() = %q, %v", v, err)
	}
}

func TestBlobSource_FetchesOnce(t *testing.T) {
	blob := &fakeBlob{data: []byte(`{"usda_api_key": "from-gcs", "port": 8080}`)}
	src := NewBlobSource(blob, "", "")

	if src.Bucket != DefaultBucket || src.Object != DefaultObject {
		t.Errorf("defaults = %s/%s", src.Bucket, src.Object)
	}

	for i := 0; i < 3; i++ {
		v, err := src.Get(context.Background(), "usda_api_key")
		if err != nil || v != "from-gcs" {
			t.Fatalf("Get() = %q, %v", v, err)
		}
	}
	if blob.calls != 1 {
		t.Errorf("blob reads = %d, want 1", blob.calls)
	}

	if _, err := src.Get(context.Background(), "port"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(non-string) error = %v, want ErrNotFound", err)
	}
}

func TestBlobSource_Errors(t *testing.T) {
	readErr := errors.New("permission denied")
	if _, err := NewBlobSource(&fakeBlob{err: readErr}, "b", "o").Get(context.Background(), "k"); !errors.Is(err, readErr) {
		t.Errorf("Get() error = %v, want read error", err)
	}
	if _, err := NewBlobSource(&fakeBlob{data: []byte("not json")}, "b", "o").Get(context.Background(), "k"); err == nil {
		t.Error("Get(invalid json) error = nil")
	}
}

func TestChain(t *testing.T) {
	blob := &fakeBlob{data: []byte(`{"usda_api_key": "from-gcs"}`)}
	chain := Chain{Static{"usda_api_key": ""}, nil, Env{Lookup: func(string) (string, bool) { return "", false }}, NewBlobSource(blob, "", "")}

	v, err := chain.Get(context.Background(), "usda_api_key")
	if err != nil || v != "from-gcs" {
		t.Errorf("Get() = %q, %v", v, err)
	}

	flagFirst := Chain{Static{"usda_api_key": "from-flag"}, NewBlobSource(blob, "", "")}
	blob.calls = 0
	if v, _ := flagFirst.Get(context.Background(), "usda_api_key"); v != "from-flag" {
		t.Errorf("Get() = %q, want from-flag", v)
	}
	if blob.calls != 0 {
		t.Errorf("blob read %d times although an earlier source had the key", blob.calls)
	}
}

func TestChain_StopsOnHardError(t *testing.T) {
	readErr := errors.New("network down")
	chain := Chain{NewBlobSource(&fakeBlob{err: readErr}, "b", "o"), Static{"k": "v"}}
	if _, err := chain.Get(context.Background(), "k"); !errors.Is(err, readErr) {
		t.Errorf("Get() error = %v, want read error", err)
	}
	if _, err := (Chain{}).Get(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty chain error = %v, want ErrNotFound", err)
	}
}

func TestLazy(t *testing.T) {
	built := 0
	lazy := &Lazy{New: func(ctx context.Context) (Source, error) {
		built++
		return Static{"k": "v"}, nil
	}}

	chain := Chain{Static{"k": "early"}, lazy}
	if v, _ := chain.Get(context.Background(), "k"); v != "early" || built != 0 {
		t.Errorf("Get() = %q, built = %d; want early, 0", v, built)
	}

	for i := 0; i < 2; i++ {
		if v, err := lazy.Get(context.Background(), "k"); err != nil || v != "v" {
			t.Errorf("Lazy.Get() = %q, %v", v, err)
		}
	}
	if built != 1 {
		t.Errorf("built = %d, want 1", built)
	}
}
