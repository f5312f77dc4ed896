// Package feishu delivers messages to Feishu custom bot webhooks.
//
// Client handles transport concerns: JSON encoding, optional request
// signing, per-webhook rate limiting, and retries on transport errors and
// 5xx responses. Notifier renders a query result for a task in one of the
// supported message styles and hands it to the Client.
package feishu
