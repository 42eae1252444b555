package disui

// MaxMessageLen is Discord's content length limit in characters.
const MaxMessageLen = 2000

// MentionBudget is the safe per-message budget for batched mention lists.
// It stays well under MaxMessageLen so a header line always fits.
const MentionBudget = 1800
