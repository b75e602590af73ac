package forward

import (
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

// VideoToPlayer relays every video message to all live players, stamped with
// the video's tab and src.
func VideoToPlayer(p platform.Platform, players PlayerLocator) *Relay {
	return &Relay{
		From:     []string{protocol.SenderVideo},
		To:       protocol.SenderExtensionToPlayer,
		Dest:     Players,
		Stamp:    true,
		Platform: p,
		Players:  players,
	}
}

// PlayerToVideo relays player commands to the video tab they name.
func PlayerToVideo(p platform.Platform) *Relay {
	return &Relay{
		From:     []string{protocol.SenderPlayer},
		To:       protocol.SenderExtensionToVideo,
		Dest:     EnvelopeTab,
		Platform: p,
	}
}

// PlayerToVideoRequest relays a player request to its video tab and passes the
// video's reply back to the player.
func PlayerToVideoRequest(p platform.Platform) *Relay {
	return &Relay{
		From:     []string{protocol.SenderPlayer},
		Cmd:      protocol.CommandRequest,
		To:       protocol.SenderExtensionToVideo,
		Dest:     EnvelopeTab,
		Proxy:    true,
		Platform: p,
	}
}

// PopupToVideo relays popup commands to the video tab they name.
func PopupToVideo(p platform.Platform) *Relay {
	return &Relay{
		From:     []string{protocol.SenderPopup},
		To:       protocol.SenderExtensionToVideo,
		Dest:     EnvelopeTab,
		Platform: p,
	}
}

// FrameToVideo relays messages from UI embedded in a page back to the video in
// that same tab.
func FrameToVideo(p platform.Platform) *Relay {
	return &Relay{
		From:     []string{protocol.SenderFrameToVideo},
		To:       protocol.SenderExtensionToVideo,
		Dest:     OriginTab,
		Platform: p,
	}
}

// VideoToPages relays video state updates to extension pages such as the
// side panel.
func VideoToPages(p platform.Platform) *Relay {
	return &Relay{
		From:     []string{protocol.SenderVideo},
		Cmd:      protocol.CommandVideoState,
		To:       protocol.SenderExtensionToPages,
		Dest:     Pages,
		Stamp:    true,
		Platform: p,
	}
}
