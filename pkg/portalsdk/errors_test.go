package portalsdk

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseErrorResponseDetailPreference(t *testing.T) {
	t.Parallel()

	body := []byte(`{"error":"third","message":"second","detail":"first","name":["required"]}`)
	for range 20 {
		err := parseErrorResponse(&http.Response{StatusCode: http.StatusBadRequest}, body)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "first", apiErr.Detail)
		require.Equal(t, map[string][]string{"name": {"required"}}, apiErr.Fields)
	}

	err := parseErrorResponse(&http.Response{StatusCode: http.StatusForbidden}, []byte(`{"error":"denied","message":""}`))
	require.Equal(t, "denied", err.(*APIError).Detail)
}
