package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"droneFoodDelivery/internal/apperr"
)

func TestWriteAppErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	err := apperr.New(apperr.CodePartialAssignmentFailure, "link failed").
		WithDetail("order_id", "o1").
		WithDetail("mission_id", "m1")
	WriteAppError(context.Background(), rec, err)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "partial_assignment_failure" || body["order_id"] != "o1" || body["mission_id"] != "m1" {
		t.Fatalf("unexpected envelope: %v", body)
	}
}

func TestFromErrorHidesInternalMessages(t *testing.T) {
	env := FromError(errors.New("sql: database is locked"))
	if env.Status != http.StatusInternalServerError || env.Message != "internal error" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
