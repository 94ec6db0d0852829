package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// MaxJSONBodyBytes caps request bodies decoded by DecodeJSONBody.
const MaxJSONBodyBytes = 1 << 20

var ErrEmptyBody = errors.New("empty body")

func DecodeJSONBody[T any](r *http.Request) (T, error) {
	var data T
	if r.Body == nil || r.Body == http.NoBody {
		return data, ErrEmptyBody
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxJSONBodyBytes+1))
	if err != nil {
		return data, fmt.Errorf("read body error: %w", err)
	}
	if len(body) == 0 {
		return data, ErrEmptyBody
	}
	if len(body) > MaxJSONBodyBytes {
		return data, fmt.Errorf("body exceeds %d bytes", MaxJSONBodyBytes)
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return data, fmt.Errorf("json unmarshal error: %w", err)
	}
	return data, nil
}

// DecodeOptionalJSONBody is DecodeJSONBody for endpoints whose payload may be omitted.
func DecodeOptionalJSONBody[T any](r *http.Request) (T, error) {
	data, err := DecodeJSONBody[T](r)
	if errors.Is(err, ErrEmptyBody) {
		return data, nil
	}
	return data, err
}

func DecodeJSONBodyResponse[T any](r *http.Response) (T, error) {
	var data T
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return data, fmt.Errorf("read body error: %w", err)
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return data, fmt.Errorf("json unmarshal error (status %d): %w", r.StatusCode, err)
	}
	return data, nil
}

func WriteJSONResponse[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
