// Package api exposes the chat, workflow and async task endpoints over HTTP.
// Every response uses the {success, data | error} envelope; error codes from
// internal/errors decide the HTTP status.
package api
