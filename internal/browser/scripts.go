package browser

import (
	"encoding/json"
	"fmt"
)

const interactiveSelector = `button, a[href], input[type="button"], input[type="submit"], [role="button"], [role="link"], [role="menuitem"], [tabindex]:not([tabindex="-1"])`

// interactiveScript tags every interactive element with a stable
// data-capture-id so it can be addressed again by selector.
var interactiveScript = fmt.Sprintf(`(() => {
  const out = [];
  document.querySelectorAll(%s).forEach(el => {
    const r = el.getBoundingClientRect();
    const s = getComputedStyle(el);
    const visible = r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none' &&
      r.bottom > 0 && r.right > 0 && r.top < innerHeight && r.left < innerWidth;
    let id = el.getAttribute('data-capture-id');
    if (!id) {
      window.__captureSeq = (window.__captureSeq || 0) + 1;
      id = String(window.__captureSeq);
      el.setAttribute('data-capture-id', id);
    }
    out.push({
      selector: '[data-capture-id="' + id + '"]',
      tag: el.tagName.toLowerCase(),
      text: (el.innerText || el.value || '').trim().slice(0, 200),
      label: el.getAttribute('aria-label') || el.getAttribute('title') || '',
      role: el.getAttribute('role') || '',
      area: r.width * r.height,
      visible: visible,
    });
  });
  return out;
})()`, jsString(interactiveSelector))

const mediaStateScript = `(() => {
  const m = Array.from(document.querySelectorAll('audio, video'));
  return {
    elements: m.length,
    playing: m.filter(e => !e.paused && !e.ended && e.readyState > 2).length,
  };
})()`

const bodyTextScript = `document.body ? document.body.innerText : ''`

const viewportScript = `[window.innerWidth, window.innerHeight]`

func visibleScript(css string) string {
	return fmt.Sprintf(`(() => {
  let el;
  try { el = document.querySelector(%s); } catch (e) { return false; }
  if (!el) return false;
  const r = el.getBoundingClientRect();
  const s = getComputedStyle(el);
  return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
})()`, jsString(css))
}

func scriptClick(css string) string {
	return fmt.Sprintf(`(() => {
  let el;
  try { el = document.querySelector(%s); } catch (e) { return false; }
  if (!el) return false;
  el.scrollIntoView({block: 'center'});
  for (const type of ['pointerdown', 'mousedown', 'pointerup', 'mouseup', 'click']) {
    el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: window}));
  }
  return true;
})()`, jsString(css))
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
