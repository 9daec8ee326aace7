package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	apperrors "alphamine/internal/errors"
)

// classify maps a completion error to LLM_TRANSIENT or LLM_FATAL
func classify(err error) error {
	if err == nil || apperrors.IsAppError(err) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	case errors.Is(err, context.Canceled):
		return apperrors.NewAppError(apperrors.ErrCodeLLMFatal, "llm request cancelled", err)
	default:
		// 网络错误与超时均可重试
		return apperrors.NewAppError(apperrors.ErrCodeLLMTransient, "llm request failed", err)
	}

	msg := fmt.Sprintf("llm api error (status %d)", status)
	switch {
	case status == http.StatusTooManyRequests, status >= 500, status == http.StatusRequestTimeout:
		return apperrors.NewAppError(apperrors.ErrCodeLLMTransient, msg, err)
	case status == 0:
		return apperrors.NewAppError(apperrors.ErrCodeLLMTransient, "llm request failed", err)
	default:
		// 401/403/400 等配置类错误不重试
		return apperrors.NewAppError(apperrors.ErrCodeLLMFatal, msg, err)
	}
}
