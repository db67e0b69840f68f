package exitstatus

import "testing"

func TestRoundTrip(t *testing.T) {
	for _, status := range []int{200, 201, 400, 401, 403, 404, 500} {
		if got := ToHTTP(FromHTTP(status)); got != status {
			t.Fatalf("round trip for %d = %d", status, got)
		}
	}
}

func TestUnknown(t *testing.T) {
	if got := FromHTTP(418); got != 49 {
		t.Fatalf("FromHTTP(418) = %d, want 49", got)
	}
	if got := ToHTTP(49); got != 500 {
		t.Fatalf("ToHTTP(49) = %d, want 500", got)
	}
	if got := ToHTTP(0); got != 200 {
		t.Fatalf("ToHTTP(0) = %d, want 200", got)
	}
	if got := ToHTTP(77); got != 500 {
		t.Fatalf("ToHTTP(77) = %d, want 500", got)
	}
}
