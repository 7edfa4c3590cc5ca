package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kjstillabower/weather-gateway/internal/models"
)

type warmFetcher struct {
	mu     sync.Mutex
	cities []string
	fail   map[string]error
}

func (f *warmFetcher) GetWeather(ctx context.Context, city string, kind models.QueryKind) (models.Record, error) {
	f.mu.Lock()
	f.cities = append(f.cities, city)
	f.mu.Unlock()
	if err := f.fail[city]; err != nil {
		return models.Record{}, err
	}
	return models.Record{City: city, QueryKind: kind}, nil
}

// TestWarmer_Warm verifies every city is fetched and success returns nil.
func TestWarmer_Warm(t *testing.T) {
	f := &warmFetcher{}
	w := NewWarmer(f, nil)

	if err := w.Warm(context.Background(), []string{"seattle", "oslo", "lima"}); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if len(f.cities) != 3 {
		t.Errorf("fetched %d cities, want 3", len(f.cities))
	}
}

// TestWarmer_Warm_PartialFailure verifies one failing city surfaces an error
// without stopping the others.
func TestWarmer_Warm_PartialFailure(t *testing.T) {
	f := &warmFetcher{fail: map[string]error{"oslo": errors.New("upstream down")}}
	w := NewWarmer(f, nil)

	err := w.Warm(context.Background(), []string{"seattle", "oslo"})
	if err == nil {
		t.Fatal("Warm() = nil, want aggregated error")
	}
	if len(f.cities) != 2 {
		t.Errorf("fetched %d cities, want 2 (failure must not stop the rest)", len(f.cities))
	}
}

// TestWarmer_Warm_Empty verifies an empty city list is a no-op success.
func TestWarmer_Warm_Empty(t *testing.T) {
	w := NewWarmer(&warmFetcher{}, nil)
	if err := w.Warm(context.Background(), nil); err != nil {
		t.Errorf("Warm(nil) error = %v", err)
	}
}
