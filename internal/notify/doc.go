// Package notify delivers human-readable execution notices.
//
// Webhook posts each message as a JSON body of the form {"content": "..."},
// which Discord and Slack-compatible endpoints accept. 5xx and 429 responses
// are retried with jittered exponential backoff. Log is used when no webhook
// is configured.
package notify
