package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAsUnwrapsWrapped(t *testing.T) {
	base := errors.New("locked")
	err := fmt.Errorf("run: %w", Conflict("cycle_in_progress", base))
	ae := As(err)
	if ae.Status != http.StatusConflict || ae.Code != "cycle_in_progress" {
		t.Fatalf("got %d %q", ae.Status, ae.Code)
	}
	if !errors.Is(ae, base) {
		t.Fatalf("expected unwrap to base error")
	}
}

func TestAsDefaultsToInternal(t *testing.T) {
	ae := As(errors.New("boom"))
	if ae.Status != http.StatusInternalServerError || ae.Code != "internal" || ae.Error() != "boom" {
		t.Fatalf("got %+v", ae)
	}
}
