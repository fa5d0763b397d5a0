package site

import (
	"fmt"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/payslip-cli/internal/browser"
)

var literalEncoder = json.Config{EscapeHTML: false}.Froze()

func quote(s string) string {
	b, err := literalEncoder.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// CredentialCaptureScript reports the login form submission and the password
// error message through the page event binding.
func CredentialCaptureScript(l LoginSelectors) string {
	return fmt.Sprintf(`(() => {
	const emit = (event, payload) => {
		try { window[%[1]s](JSON.stringify({event, payload})); } catch (e) {}
	};
	const text = (selector) => ((document.querySelector(selector) || {}).textContent || "").trim();
	const watch = () => {
		const password = document.querySelector(%[2]s);
		if (!password || password.dataset.payslipWatched) return;
		password.dataset.payslipWatched = "1";
		const form = password.closest("form");
		if (!form) return;
		form.addEventListener("submit", () => {
			emit("loginSubmit", {email: text(%[3]s), password: password.value});
		});
		const message = text(%[4]s);
		if (message) emit("loginError", {msg: message});
	};
	new MutationObserver(watch).observe(document, {childList: true, subtree: true});
	document.addEventListener("DOMContentLoaded", watch);
})();`, quote(browser.PageEventBinding), quote(l.Password), quote(l.AuthenticatorTag), quote(l.PasswordError))
}

// ListingSnapshot is the decoded result of ListingSnapshotScript.
type ListingSnapshot struct {
	// IDs of the rendered items, top to bottom.
	IDs             []string `json:"ids"`
	LastOffset      float64  `json:"lastOffset"`
	LastHeight      float64  `json:"lastHeight"`
	MaxScrollHeight float64  `json:"maxScrollHeight"`
	Found           bool     `json:"found"`
}

// IsLastPage reports whether the last rendered item reaches the end of the list.
func (s ListingSnapshot) IsLastPage() bool {
	return s.LastOffset+s.LastHeight >= s.MaxScrollHeight
}

// ListingSnapshotScript reads the rendered window of the virtualized list.
func ListingSnapshotScript(l ListingSelectors) string {
	return fmt.Sprintf(`(() => {
	const container = document.querySelector(%s);
	if (!container) return {found: false, ids: [], lastOffset: 0, lastHeight: 0, maxScrollHeight: 0};
	const items = Array.from(container.querySelectorAll(%s))
		.filter(el => el.getAttribute(%s))
		.sort((a, b) => a.offsetTop - b.offsetTop);
	const last = items[items.length - 1];
	return {
		found: true,
		ids: items.map(el => el.getAttribute(%[3]s)),
		lastOffset: last ? last.offsetTop : 0,
		lastHeight: last ? last.offsetHeight : 0,
		maxScrollHeight: container.scrollHeight,
	};
})()`, quote(l.Container), quote(l.Item), quote(l.IDAttr))
}

// ListingScrollScript moves the list forward so the last rendered item is at the top.
func ListingScrollScript(l ListingSelectors) string {
	return fmt.Sprintf(`(() => {
	const container = document.querySelector(%s);
	if (!container) return false;
	const items = Array.from(container.querySelectorAll(%s)).sort((a, b) => a.offsetTop - b.offsetTop);
	const last = items[items.length - 1];
	container.scrollTop = last ? last.offsetTop : container.scrollTop + container.clientHeight;
	container.dispatchEvent(new Event("scroll"));
	return true;
})()`, quote(l.Container), quote(l.Item))
}

// ListingScrollTopScript rewinds the list to its first item.
func ListingScrollTopScript(l ListingSelectors) string {
	return fmt.Sprintf(`(() => {
	const container = document.querySelector(%s);
	if (!container) return false;
	container.scrollTop = 0;
	container.dispatchEvent(new Event("scroll"));
	return true;
})()`, quote(l.Container))
}

// ItemSelector matches the list item of one document.
func ItemSelector(l ListingSelectors, id string) string {
	return fmt.Sprintf(`%s[%s=%s]`, l.Item, l.IDAttr, quote(id))
}

// PickerEntry is one contract offered on the picker screen.
type PickerEntry struct {
	Index       int    `json:"index"`
	Company     string `json:"company"`
	Description string `json:"description"`
}

// Label is the text that identifies the entry across visits.
func (e PickerEntry) Label() string {
	return e.Company + " " + e.Description
}

// PickerEntriesScript lists the picker entries in DOM order.
func PickerEntriesScript(p PickerSelectors) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map((el, index) => ({
	index,
	company: ((el.querySelector(%s) || {}).textContent || "").trim(),
	description: ((el.querySelector(%s) || {}).textContent || "").trim(),
}))`, quote(p.Entry), quote(p.Company), quote(p.Description))
}

// PickerClickScript clicks the entry at index and evaluates to whether it existed.
func PickerClickScript(p PickerSelectors, index int) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelectorAll(%s)[%d];
	if (!el) return false;
	el.scrollIntoView({block: "center"});
	el.click();
	return true;
})()`, quote(p.Entry), index)
}
