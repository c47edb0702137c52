package moderation

import (
	"sort"
	"strings"
	"sync"
)

// WordFilter matches prompts against a set of banned substrings.
// Words are kept lower-cased and scanned in lexicographic order, so the
// reported word is deterministic for a given set.
type WordFilter struct {
	mu    sync.RWMutex
	words []string
}

func NewWordFilter(words []string) *WordFilter {
	f := &WordFilter{}
	f.Replace(words)
	return f
}

// Scan returns the first banned word contained in text
func (f *WordFilter) Scan(text string) (string, bool) {
	lowered := strings.ToLower(text)

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, word := range f.words {
		if strings.Contains(lowered, word) {
			return word, true
		}
	}
	return "", false
}

// Add inserts a word and reports whether it was new
func (f *WordFilter) Add(word string) bool {
	word = normalize(word)
	if word == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	i := sort.SearchStrings(f.words, word)
	if i < len(f.words) && f.words[i] == word {
		return false
	}
	f.words = append(f.words, "")
	copy(f.words[i+1:], f.words[i:])
	f.words[i] = word
	return true
}

// Remove deletes a word and reports whether it was present
func (f *WordFilter) Remove(word string) bool {
	word = normalize(word)

	f.mu.Lock()
	defer f.mu.Unlock()

	i := sort.SearchStrings(f.words, word)
	if i == len(f.words) || f.words[i] != word {
		return false
	}
	f.words = append(f.words[:i], f.words[i+1:]...)
	return true
}

// Words returns a sorted copy of the set
func (f *WordFilter) Words() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return append([]string(nil), f.words...)
}

// Replace swaps the whole set, used on config reload
func (f *WordFilter) Replace(words []string) {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = normalize(w); w != "" {
			set[w] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(set))
	for w := range set {
		sorted = append(sorted, w)
	}
	sort.Strings(sorted)

	f.mu.Lock()
	f.words = sorted
	f.mu.Unlock()
}

func normalize(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}
