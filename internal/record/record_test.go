package record

import "testing"

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Status
	}{
		{200, StatusSuccess},
		{201, StatusSuccess},
		{299, StatusSuccess},
		{301, StatusUndefined},
		{400, StatusPendingCompensation},
		{404, StatusPendingCompensation},
		{499, StatusPendingCompensation},
		{500, StatusUndefined},
		{504, StatusUndefined},
		{0, StatusUndefined},
	}

	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestHasResponse(t *testing.T) {
	withResponse := []Status{StatusSuccess, StatusFailure, StatusPendingCompensation, StatusInCompensation}
	for _, s := range withResponse {
		r := IdempotencyRecord{Status: s}
		if !r.HasResponse() {
			t.Errorf("expected HasResponse for %v", s)
		}
	}

	withoutResponse := []Status{StatusInProgress, StatusUndefined}
	for _, s := range withoutResponse {
		r := IdempotencyRecord{Status: s}
		if r.HasResponse() {
			t.Errorf("did not expect HasResponse for %v", s)
		}
	}
}
