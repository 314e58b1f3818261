package chat

// Reactions maps an emoji to the users who reacted with it, in the order
// they reacted. A key never maps to an empty list.
type Reactions map[string][]string

// Toggle adds userID under emoji, or removes it if already present. It
// reports whether the reaction was added.
func (r Reactions) Toggle(emoji, userID string) bool {
	users := r[emoji]
	for i, u := range users {
		if u == userID {
			users = append(users[:i:i], users[i+1:]...)
			if len(users) == 0 {
				delete(r, emoji)
			} else {
				r[emoji] = users
			}
			return false
		}
	}
	r[emoji] = append(users, userID)
	return true
}

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	for _, u := range r[emoji] {
		if u == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. A nil map clones to an empty one.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for k, v := range r {
		out[k] = append([]string(nil), v...)
	}
	return out
}
