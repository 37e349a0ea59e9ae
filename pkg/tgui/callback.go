package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats callback data as "action:payload", or "action" alone.
func Data(action, payload string) string {
	action = strings.TrimSpace(action)
	if payload == "" {
		return action
	}
	return action + ":" + payload
}

// CheckedData is Data that enforces MaxCallbackDataLen.
func CheckedData(action, payload string) (string, error) {
	d := Data(action, payload)
	if len(d) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return d, nil
}

// ParseData splits callback data on the first ':'.
func ParseData(data string) (action, payload string) {
	data = strings.TrimSpace(data)
	action, payload, _ = strings.Cut(data, ":")
	return action, payload
}
