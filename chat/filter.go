package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/common"
)

// ProhibitedWordsKey is the cache key operators populate with the
// word list, either as a set or as a JSON string array.
const ProhibitedWordsKey = "chat:prohibited_words"

const filterRefreshInterval = 5 * time.Minute

// ContentFilter masks prohibited words in message bodies before
// encryption. Matching is a plain substring scan; each hit is
// replaced with asterisks of the same length so the message shape
// survives. An empty or unreachable word list filters nothing.
type ContentFilter struct {
	cache  *cache.Service
	logger *common.ContextLogger

	mu        sync.RWMutex
	words     []string
	refreshed time.Time
}

func NewContentFilter(c *cache.Service) *ContentFilter {
	return &ContentFilter{
		cache:  c,
		logger: common.ServiceLogger("chat.filter"),
	}
}

// Apply returns content with every prohibited word masked, plus
// whether anything was masked.
func (f *ContentFilter) Apply(ctx context.Context, content string) (string, bool) {
	words := f.currentWords(ctx)
	if len(words) == 0 || content == "" {
		return content, false
	}

	filtered := content
	for _, word := range words {
		if word == "" {
			continue
		}
		if strings.Contains(filtered, word) {
			filtered = strings.ReplaceAll(filtered, word, strings.Repeat("*", len(word)))
		}
	}
	return filtered, filtered != content
}

func (f *ContentFilter) currentWords(ctx context.Context) []string {
	f.mu.RLock()
	fresh := time.Since(f.refreshed) < filterRefreshInterval
	words := f.words
	f.mu.RUnlock()
	if fresh {
		return words
	}
	return f.refresh(ctx)
}

// refresh reloads the list. Set members win when the backend supports
// sets; otherwise the key is read as a JSON array. Load failures keep
// the previous list rather than dropping the filter.
func (f *ContentFilter) refresh(ctx context.Context) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.refreshed) < filterRefreshInterval {
		return f.words
	}

	loaded, err := f.load(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Failed to refresh prohibited words, keeping previous list")
	} else {
		f.words = loaded
	}
	f.refreshed = time.Now()
	return f.words
}

func (f *ContentFilter) load(ctx context.Context) ([]string, error) {
	if f.cache == nil {
		return nil, nil
	}
	members, err := f.cache.SetMembers(ctx, ProhibitedWordsKey)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		return members, nil
	}
	var list []string
	if _, err := f.cache.Get(ctx, ProhibitedWordsKey, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Invalidate forces a reload on the next Apply.
func (f *ContentFilter) Invalidate() {
	f.mu.Lock()
	f.refreshed = time.Time{}
	f.mu.Unlock()
}
