// Package tgui holds small Telegram UI helpers: HTML-safe text building
// for ParseMode="HTML" and the "ns:action:payload" callback data scheme
// used by the handler router.
package tgui
