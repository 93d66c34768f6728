package router

import (
	"encoding/json"
	"errors"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// ErrorCode extends types.ErrorCode with the server-side sentinels.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrClassroomEnded):
		return types.CodeClassroomDone
	case errors.Is(err, interfaces.ErrClassroomNotFound):
		return types.CodeNotFound
	case errors.Is(err, ErrRateLimitExceeded):
		return types.CodeRateLimited
	default:
		return types.ErrorCode(err)
	}
}

func marshalData(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
