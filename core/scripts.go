package core

import (
	"encoding/json"
	"strings"
)

// callExpr renders an immediately invoked call of fn with JSON encoded args.
func callExpr(fn string, args ...any) string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(fn)
	b.WriteString(")(")
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		raw, err := json.Marshal(arg)
		if err != nil {
			raw = []byte("null")
		}
		b.Write(raw)
	}
	b.WriteString(")")
	return b.String()
}

// findElementScript resolves one locator to an element or null. Locator
// syntax errors return null so only protocol failures surface as errors.
const findElementScript = `function (selector) {
  const textOf = (el) => (el.innerText || el.textContent || '').replace(/\s+/g, ' ').trim();
  const rendered = (el) => el.offsetParent !== null || getComputedStyle(el).position === 'fixed';
  const pierce = (root, css) => {
    const hit = root.querySelector(css);
    if (hit) return hit;
    for (const el of root.querySelectorAll('*')) {
      if (el.shadowRoot) {
        const inner = pierce(el.shadowRoot, css);
        if (inner) return inner;
      }
    }
    return null;
  };
  const chain = (expr) => {
    let scope = document;
    let el = null;
    for (const part of expr.split('>>>').map((p) => p.trim()).filter(Boolean)) {
      el = scope.querySelector(part);
      if (!el) return null;
      scope = el.shadowRoot || el;
    }
    return el;
  };
  const xpath = (expr) => document.evaluate(expr, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  const textTags = 'a,button,input[type=button],input[type=submit],input[type=reset],label,span,div,p,li,td,th,h1,h2,h3,h4,h5,h6,option,summary,[role=button],[role=link],[role=menuitem],[role=tab],[role=option]';
  const byText = (content) => {
    const want = content.replace(/\s+/g, ' ').trim();
    const matches = (el) => rendered(el) && (textOf(el) === want || (el.tagName === 'INPUT' && el.value === want));
    for (const el of document.querySelectorAll(textTags)) {
      if (!matches(el)) continue;
      let best = el;
      for (let again = true; again;) {
        again = false;
        for (const child of best.children) {
          if (child.matches(textTags) && matches(child)) { best = child; again = true; break; }
        }
      }
      return best;
    }
    return null;
  };
  const implicitRole = (el) => {
    const tag = el.tagName.toLowerCase();
    const type = (el.getAttribute('type') || '').toLowerCase();
    if (tag === 'a' && el.hasAttribute('href')) return 'link';
    if (tag === 'button' || (tag === 'input' && ['button', 'submit', 'reset', 'image'].includes(type))) return 'button';
    if (tag === 'input' && type === 'checkbox') return 'checkbox';
    if (tag === 'input' && type === 'radio') return 'radio';
    if (tag === 'input' || tag === 'textarea') return 'textbox';
    if (tag === 'select') return 'combobox';
    if (tag === 'option') return 'option';
    if (tag === 'summary') return 'button';
    if (/^h[1-6]$/.test(tag)) return 'heading';
    if (tag === 'img') return 'img';
    return '';
  };
  const roleOf = (el) => (el.getAttribute('role') || implicitRole(el)).toLowerCase();
  const interactive = new Set(['button', 'link', 'menuitem', 'tab', 'option', 'checkbox', 'radio', 'heading']);
  const byAria = (expr) => {
    const m = expr.match(/^(.*?)(?:\[role="?([^"\]]+)"?\])?$/);
    const name = (m ? m[1] : expr).trim();
    const role = m && m[2] ? m[2].toLowerCase() : '';
    const all = Array.from(document.querySelectorAll('*'));
    const roleOk = (el) => !role || roleOf(el) === role;
    const passes = [
      (el) => (el.getAttribute('aria-label') || '').trim() === name,
      (el) => {
        const ids = (el.getAttribute('aria-labelledby') || '').split(/\s+/).filter(Boolean);
        if (!ids.length) return false;
        return ids.map((id) => { const ref = document.getElementById(id); return ref ? textOf(ref) : ''; }).join(' ').trim() === name;
      },
      (el) => {
        if (!el.id) return false;
        const label = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
        return !!label && textOf(label) === name;
      },
      (el) => interactive.has(roleOf(el)) && rendered(el) && (textOf(el) === name || el.value === name),
    ];
    for (const pass of passes) {
      const hit = all.find((el) => roleOk(el) && pass(el));
      if (hit) return hit;
    }
    return null;
  };
  try {
    if (selector.startsWith('aria/')) return byAria(selector.slice(5));
    if (selector.startsWith('xpath/')) return xpath(selector.slice(6));
    if (selector.startsWith('pierce/')) return pierce(document, selector.slice(7));
    if (selector.startsWith('text/')) return byText(selector.slice(5));
    if (selector.includes('>>>')) return chain(selector);
    if (/^#[A-Za-z_][\w-]*$/.test(selector)) {
      return document.getElementById(selector.slice(1)) || document.querySelector(selector);
    }
    return document.querySelector(selector);
  } catch (e) {
    return null;
  }
}`

const rectScript = `function () {
  const r = this.getBoundingClientRect();
  return { x: r.left, y: r.top, width: r.width, height: r.height };
}`

const scrollIntoViewScript = `function () {
  this.scrollIntoView({ block: 'center', inline: 'center', behavior: 'instant' });
}`

const focusScript = `function () {
  if (typeof this.focus === 'function') this.focus();
}`

const tagNameScript = `function () {
  return (this.tagName || '').toLowerCase();
}`

// clickWatchScript counts trusted clicks on the element or its descendants
// until clickWatchResultScript reads and removes the listener.
const clickWatchScript = `function () {
  const state = { clicks: 0 };
  state.listener = (ev) => { if (ev.isTrusted) state.clicks++; };
  this.addEventListener('click', state.listener, true);
  this.__cdpreplayClickWatch = state;
}`

const clickWatchResultScript = `function () {
  const state = this.__cdpreplayClickWatch;
  if (!state) return true;
  this.removeEventListener('click', state.listener, true);
  delete this.__cdpreplayClickWatch;
  return state.clicks > 0;
}`

const syntheticMouseScript = `function (types, x, y, detail) {
  for (const type of types) {
    const init = { bubbles: true, cancelable: true, composed: true, view: window, clientX: x, clientY: y, detail: detail, button: 0 };
    const ev = type.startsWith('pointer') ? new PointerEvent(type, init) : new MouseEvent(type, init);
    this.dispatchEvent(ev);
  }
}`

// setSelectValueScript sets the value of a select-like element, matching
// option text when no option has the value, and fires change.
const setSelectValueScript = `function (value, bubbles) {
  if (this.tagName === 'SELECT' && !Array.from(this.options).some((o) => o.value === value)) {
    const byText = Array.from(this.options).find((o) => o.text.trim() === value);
    if (byText) value = byText.value;
  }
  this.value = value;
  if (bubbles) this.dispatchEvent(new Event('input', { bubbles: true }));
  this.dispatchEvent(new Event('change', { bubbles: !!bubbles }));
  return this.value;
}`

// prepareInputScript focuses the element, selects everything and clears it
// through the native value setter so framework-controlled inputs notice.
const prepareInputScript = `function () {
  if (typeof this.focus === 'function') this.focus();
  if (this.isContentEditable) {
    document.execCommand('selectAll', false);
    document.execCommand('delete', false);
    return;
  }
  if (typeof this.select === 'function') {
    try { this.select(); } catch (e) {}
  }
  const proto = Object.getPrototypeOf(this);
  const desc = Object.getOwnPropertyDescriptor(proto, 'value');
  if (desc && desc.set) desc.set.call(this, '');
  else this.value = '';
}`

const inputEventsScript = `function (withKeydown) {
  this.dispatchEvent(new Event('input', { bubbles: true }));
  this.dispatchEvent(new Event('change', { bubbles: true }));
  if (withKeydown) this.dispatchEvent(new KeyboardEvent('keydown', { bubbles: true, key: 'Unidentified' }));
}`

const autocompleteScript = `function (text) {
  const want = text.replace(/\s+/g, ' ').trim().toLowerCase();
  if (!want) return { found: false };
  const sel = '[role=listbox] [role=option], [role=option], ul[role=listbox] li, .autocomplete li, .autocomplete-suggestion, .ui-menu-item, .dropdown-item, .pac-item, datalist option';
  const visible = Array.from(document.querySelectorAll(sel)).filter((el) => {
    const r = el.getBoundingClientRect();
    return el.offsetParent !== null && r.width > 0 && r.height > 0;
  });
  const label = (el) => (el.innerText || el.textContent || '').replace(/\s+/g, ' ').trim().toLowerCase();
  const hit = visible.find((el) => label(el) === want) || visible.find((el) => label(el).includes(want));
  if (!hit) return { found: false };
  const r = hit.getBoundingClientRect();
  return { found: true, x: r.left + r.width / 2, y: r.top + r.height / 2, text: label(hit) };
}`

const pageStateScript = `function () {
  return { url: location.href, readyState: document.readyState, host: location.hostname };
}`

const copySelectionScript = `function () {
  const sel = window.getSelection ? String(window.getSelection()) : '';
  if (sel) return sel;
  const el = document.activeElement;
  if (el && typeof el.value === 'string') {
    if (typeof el.selectionStart === 'number' && el.selectionEnd > el.selectionStart) {
      return el.value.substring(el.selectionStart, el.selectionEnd);
    }
    return el.value;
  }
  return '';
}`

const copyElementScript = `function () {
  const sel = window.getSelection ? window.getSelection() : null;
  if (sel && sel.rangeCount && this.contains(sel.anchorNode) && String(sel)) return String(sel);
  if (typeof this.value === 'string') {
    if (typeof this.selectionStart === 'number' && this.selectionEnd > this.selectionStart) {
      return this.value.substring(this.selectionStart, this.selectionEnd);
    }
    return this.value;
  }
  return (this.innerText || this.textContent || '').trim();
}`

const readValueScript = `function () {
  const tag = (this.tagName || '').toLowerCase();
  if ((tag === 'input' || tag === 'select' || tag === 'textarea') && typeof this.value === 'string') return this.value;
  return (this.innerText || this.textContent || '').trim();
}`

// activeInputScript prepares the focused element for a paste and reports
// whether one exists.
const activeInputScript = `function () {
  const el = document.activeElement;
  if (!el || el === document.body) return false;
  if (el.isContentEditable) {
    document.execCommand('selectAll', false);
    document.execCommand('delete', false);
    return true;
  }
  if (typeof el.select === 'function') {
    try { el.select(); } catch (e) {}
  }
  const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value');
  if (desc && desc.set) desc.set.call(el, '');
  return true;
}`

const activeInputEventsScript = `function () {
  const el = document.activeElement;
  if (!el) return;
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
}`

const scrollPageScript = `function (x, y) {
  window.scrollTo(x, y);
}`
