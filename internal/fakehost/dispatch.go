package fakehost

import (
	"encoding/json"
	"fmt"

	"github.com/nativehost/automation-bridge/internal/page"
	"github.com/nativehost/automation-bridge/internal/session"
	"github.com/nativehost/automation-bridge/internal/wire"
)

// Action names the client's Envelope.Action may carry; a real extension
// and this simulator accept the same vocabulary.
const (
	ActionClick    = "click"
	ActionSnapshot = "snapshot"
	ActionScroll   = "scroll"
	ActionNavigate = "navigate"
	ActionType     = "type"
	ActionListTabs = "list_tabs"
	ActionBigDOM   = "simulate_big_dom"
)

type clickPayload struct {
	Selector string `json:"selector"`
}

type scrollPayload struct {
	DeltaX int `json:"deltaX"`
	DeltaY int `json:"deltaY"`
}

type navigatePayload struct {
	URL string `json:"url"`
}

type typePayload struct {
	Selector   string `json:"selector"`
	Text       string `json:"text"`
	PressEnter bool   `json:"pressEnter"`
}

type bigDOMPayload struct {
	ElementCount int `json:"elementCount"`
}

// dispatch executes one command against the session's synthetic page and
// returns either a JSON result or a host-side error, matching the shape a
// real browser extension's response would take.
func (h *Host) dispatch(sessionID string, cmd wire.HostCommand) (json.RawMessage, *wire.ErrorInfo) {
	p := h.pageFor(sessionID)

	switch cmd.Action {
	case ActionClick:
		var params clickPayload
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return nil, parseErr(err)
		}
		if !hasSelector(p, params.Selector) {
			return nil, &wire.ErrorInfo{Code: "TAB_NOT_FOUND", Message: fmt.Sprintf("no element matches %q", params.Selector)}
		}
		return marshal(map[string]any{"status": "ok", "selector": params.Selector})

	case ActionSnapshot:
		return marshal(p)

	case ActionScroll:
		var params scrollPayload
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return nil, parseErr(err)
		}
		return marshal(map[string]any{"deltaX": params.DeltaX, "deltaY": params.DeltaY})

	case ActionNavigate:
		var params navigatePayload
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return nil, parseErr(err)
		}
		h.mu.Lock()
		p.URL = params.URL
		p.Title = "fakehost: " + params.URL
		h.mu.Unlock()
		return marshal(map[string]any{"url": params.URL})

	case ActionType:
		var params typePayload
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return nil, parseErr(err)
		}
		if !hasSelector(p, params.Selector) {
			return nil, &wire.ErrorInfo{Code: "TAB_NOT_FOUND", Message: fmt.Sprintf("no element matches %q", params.Selector)}
		}
		return marshal(map[string]any{"selector": params.Selector, "textLength": len(params.Text), "pressEnter": params.PressEnter})

	case ActionListTabs:
		return marshal([]map[string]any{{"id": 1, "url": p.URL, "title": p.Title, "active": true}})

	case ActionBigDOM:
		var params bigDOMPayload
		_ = json.Unmarshal(cmd.Params, &params)
		return marshal(syntheticBigSnapshot(params.ElementCount))

	default:
		return nil, &wire.ErrorInfo{Code: session.CodeNativeHostError, Message: fmt.Sprintf("unsupported action %q", cmd.Action)}
	}
}

func hasSelector(p *page.Snapshot, selector string) bool {
	for _, el := range p.Elements {
		if el.Selector == selector {
			return true
		}
	}
	return false
}

func parseErr(err error) *wire.ErrorInfo {
	return &wire.ErrorInfo{Code: session.CodeParseError, Message: err.Error()}
}

func marshal(v any) (json.RawMessage, *wire.ErrorInfo) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &wire.ErrorInfo{Code: session.CodeNativeHostError, Message: err.Error()}
	}
	return raw, nil
}

// syntheticBigSnapshot builds a page.Snapshot large enough to exercise the
// chunked-response path: a few thousand elements of filler text
// comfortably clears chunk.DefaultThreshold once base64-encoded.
func syntheticBigSnapshot(elementCount int) page.Snapshot {
	if elementCount <= 0 {
		elementCount = 4000
	}
	elements := make([]page.Element, elementCount)
	filler := make([]byte, 256)
	for i := range filler {
		filler[i] = byte('a' + (i % 26))
	}
	text := string(filler)
	for i := range elements {
		elements[i] = page.Element{
			Tag:      "div",
			Text:     text,
			Selector: fmt.Sprintf("#el-%d", i),
		}
	}
	return page.Snapshot{
		ID:       "synthetic-big",
		URL:      "https://example.test/big",
		Title:    "synthetic oversized page",
		Elements: elements,
	}
}
