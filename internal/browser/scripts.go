// internal/browser/scripts.go
package browser

import (
	"fmt"

	json "github.com/json-iterator/go"
)

var literalEncoder = json.Config{EscapeHTML: false}.Froze()

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := literalEncoder.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// findElementJS evaluates to the first element matching selector whose text
// includes text, or null.
func findElementJS(selector, text string) string {
	return fmt.Sprintf(`(() => {
	const els = Array.from(document.querySelectorAll(%s));
	const text = %s;
	return els.find(el => text === "" || (el.textContent || "").includes(text)) || null;
})()`, jsString(selector), jsString(text))
}

// PresenceScript evaluates to true when a matching element exists.
func PresenceScript(selector, text string) string {
	return fmt.Sprintf(`(%s) !== null`, findElementJS(selector, text))
}

// ClickScript clicks the first matching element and evaluates to whether one was found.
func ClickScript(selector, text string) string {
	return fmt.Sprintf(`(() => {
	const el = %s;
	if (!el) return false;
	el.scrollIntoView({block: "center"});
	el.click();
	return true;
})()`, findElementJS(selector, text))
}

// LocalStorageGetScript evaluates to {found, value} for key.
func LocalStorageGetScript(key string) string {
	return fmt.Sprintf(`(() => {
	const v = window.localStorage.getItem(%s);
	return {found: v !== null, value: v === null ? "" : v};
})()`, jsString(key))
}

// LocalStorageSetScript stores value under key.
func LocalStorageSetScript(key, value string) string {
	return fmt.Sprintf(`window.localStorage.setItem(%s, %s), true`, jsString(key), jsString(value))
}

const (
	// LocalStorageClearScript empties local storage.
	LocalStorageClearScript = `window.localStorage.clear(), true`
	// LocalStorageLenScript counts local storage keys.
	LocalStorageLenScript = `Object.keys(window.localStorage).length`
	// LocationScript returns the current URL.
	LocationScript = `window.location.href`
)

// LocalStorageGetResult is the decoded value of LocalStorageGetScript.
type LocalStorageGetResult struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}
