/*
Package portalsdk is the client runtime for the portal backend: credential
lifecycle, the authenticated REST client, and session orchestration.

# Client and TokenManager

A Client talks to the REST API. It owns a TokenManager, the single writer of
the access/refresh pair:

	client := portalsdk.NewClient(portalsdk.ClientConfig{
		BaseURL: "https://portal.example.com/api",
		Store:   store, // a portalsdk.TokenStore
	})
	auth := portalsdk.NewAuthSession(client)

	user, err := auth.Login(ctx, portalsdk.Credentials{Username: "ada", Password: "..."})

Every request carries the current access token. An access token that has
already expired is refreshed before the request is sent. A 401 on any
endpoint other than the refresh endpoint triggers one refresh and one replay
of the same request body; a second 401 is returned to the caller.

Refreshes are single flight: any number of concurrent callers that need a
refresh share one network call and observe its outcome. A caller whose
rejected token has already been rotated receives the new token without any
network call. When a refresh fails for any reason the stored credentials are
cleared, the session moves to StatusExpired, and callers receive an error
matching ErrSessionExpired.

# Errors

Errors match the taxonomy with errors.Is:

  - ErrNetwork: the backend was unreachable
  - ErrAuthorizationExpired: a 401 response (an *APIError)
  - ErrSessionExpired: the refresh failed, log in again
  - ErrValidation: a 400/422 response (an *APIError, see Fields)
  - ErrMalformedResponse: a response of unexpected shape
  - ErrChannelUnavailable: the realtime transport is unreachable

List payloads are decoded with List, which turns any non-list payload into an
empty list instead of an error, so collections are never nil or mistyped.

# Realtime

RealtimeConfig returns a realtime.Config for an endpoint under the websocket
base URL with the probe endpoint and a token source bound to the session.
*/
package portalsdk
