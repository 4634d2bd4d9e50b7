// Package tgui provides small Telegram UI helpers:
//   - HTML escaping and tag helpers for ParseMode="HTML"
//   - a line builder for status cards and replies
//   - inline keyboard builders
//   - text bars and compact durations for progress output
package tgui
