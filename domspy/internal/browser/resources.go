package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources fails every request whose resource type is listed.
func blockResources(page *rod.Page, types []string) {
	blocked := blockSet(types)
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked[resourceName(h.Request.Type())] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

// blockSet normalises configured names; "images" and "image" are the same.
func blockSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[strings.TrimSuffix(strings.ToLower(strings.TrimSpace(t)), "s")] = true
	}
	return set
}

func resourceName(t proto.NetworkResourceType) string {
	return strings.TrimSuffix(strings.ToLower(string(t)), "s")
}
