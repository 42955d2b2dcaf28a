package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesByCodeThroughWrap(t *testing.T) {
	sentinel := Validation("order_mismatch", "주문 정보가 일치하지 않습니다.")
	wrapped := fmt.Errorf("confirm: %w", sentinel.Wrap(errors.New("boom"), ""))

	require.True(t, errors.Is(wrapped, sentinel))
	require.False(t, errors.Is(wrapped, Validation("amount_mismatch", "")))
	require.Equal(t, KindValidation, KindOf(wrapped))
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	require.Equal(t, http.StatusUnauthorized, HTTPStatus(KindUnauthorized))
	require.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	require.Equal(t, http.StatusBadGateway, HTTPStatus(KindUpstream))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(KindApplyFailed))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
}
