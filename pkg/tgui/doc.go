// Package tgui holds small Telegram UI helpers: HTML escaping, inline
// keyboards, "action:payload" callback data and a message builder that
// defaults to HTML parse mode.
package tgui
