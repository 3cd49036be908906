// Package api implements the event hub's HTTP API and websocket stream.
//
// Routes, all under /api/v1:
//
//	GET  /health                    registry status, 503 when stopped
//	GET  /metrics                   runtime, hub and backend counters
//	GET  /devices                   registered devices with state
//	GET  /devices/{id}              one device with its subscriptions
//	GET  /devices/{id}/events       recorded events, newest first (?limit=)
//	POST /devices/{id}/resubscribe  retry lapsed subscriptions
//	GET  /subscriptions             every subscription entry
//	GET  /audit                     operator actions (?action=&device_id=&source=&limit=&offset=)
//	POST /auth/token                client credentials for a bearer token
//	POST /auth/ws-ticket            single-use websocket ticket
//	GET  /ws                        live events (channel upnp.event)
//
// # Security
//
// When security.jwt.secret is set, every route except health, metrics and
// ws requires an HS256 bearer token; IssueToken mints one. Websocket
// clients exchange their token for a ticket first so the token never
// appears in a URL. Without a secret the API is open, which suits a hub
// bound to localhost.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
