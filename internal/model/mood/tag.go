package mood

import "strings"

// Tag 是心情分类的固定词表。
type Tag string

const (
	Neutral  Tag = "neutral"
	Happy    Tag = "happy"
	Sad      Tag = "sad"
	Anxious  Tag = "anxious"
	Angry    Tag = "angry"
	Stressed Tag = "stressed"
	Lonely   Tag = "lonely"
	Hopeful  Tag = "hopeful"
)

// Vocabulary lists every valid tag in a stable order.
func Vocabulary() []Tag {
	return []Tag{Neutral, Happy, Sad, Anxious, Angry, Stressed, Lonely, Hopeful}
}

// Parse 将任意字符串规范化为词表中的标签。
func Parse(raw string) (Tag, bool) {
	normalized := Tag(strings.ToLower(strings.TrimSpace(raw)))
	for _, tag := range Vocabulary() {
		if tag == normalized {
			return tag, true
		}
	}
	return "", false
}
