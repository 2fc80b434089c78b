// Package logx is mentionbot's structured logging.
//
// Logger is a small value type over zerolog. Loggers derived from a Service
// follow later Service.Apply calls, so a config reload changes level and
// sinks for every component at once. Sinks are the console, an optional
// JSON file and an optional Telegram chat. Configured secrets (the bot
// token) are scrubbed from every sink.
package logx
