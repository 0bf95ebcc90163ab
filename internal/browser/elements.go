package browser

import (
	"github.com/crpwatch/crpwatch/internal/domain"
)

// clickableScript returns {kind, xpath, label} for every clickable node,
// grouped as buttons, links, images and others.
const clickableScript = `(limit) => {
  const xpath = (el) => {
    if (el.id) return '//*[@id="' + el.id + '"]';
    const parts = [];
    for (; el && el.nodeType === 1; el = el.parentNode) {
      let i = 1;
      for (let s = el.previousElementSibling; s; s = s.previousElementSibling) {
        if (s.nodeName === el.nodeName) i++;
      }
      parts.unshift(el.nodeName.toLowerCase() + '[' + i + ']');
    }
    return '/' + parts.join('/');
  };
  const groups = [
    ['button', 'button, input[type=submit], input[type=button], [role=button]'],
    ['link', 'a[href]'],
    ['image', 'img, svg, input[type=image]'],
    ['other', '[onclick], [role=link], [tabindex]:not([tabindex="-1"])'],
  ];
  const seen = new Set();
  const out = [];
  for (const [kind, selector] of groups) {
    for (const el of document.querySelectorAll(selector)) {
      if (out.length >= limit) return out;
      if (seen.has(el)) continue;
      seen.add(el);
      const label = (el.innerText || el.value || el.getAttribute('alt') || el.getAttribute('aria-label') || '').trim().slice(0, 80);
      out.push({kind: kind, xpath: xpath(el), label: label});
    }
  }
  return out;
}`

// parseElements converts the script result into elements, dropping
// malformed entries.
func parseElements(raw interface{}, limit int) []domain.Element {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]domain.Element, 0, len(items))
	for _, it := range items {
		if limit > 0 && len(out) >= limit {
			break
		}
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		xp, _ := m["xpath"].(string)
		if xp == "" {
			continue
		}
		kind, _ := m["kind"].(string)
		label, _ := m["label"].(string)
		out = append(out, domain.Element{Kind: elementKind(kind), XPath: xp, Label: label})
	}
	return out
}

func elementKind(s string) domain.ElementKind {
	switch domain.ElementKind(s) {
	case domain.ElementButton, domain.ElementLink, domain.ElementImage:
		return domain.ElementKind(s)
	}
	return domain.ElementOther
}
