package mood

import (
	"strings"

	"github.com/zhouzirui/solace/backend/internal/model/mood"
)

// Decision 给出心情识别结果及其关键词得分。
type Decision struct {
	Tag   mood.Tag
	Score int
}

var keywordBuckets = map[mood.Tag][]string{
	mood.Happy: {
		"happy", "glad", "great", "awesome", "amazing", "grateful", "thankful", "excited", "joy", "proud",
		"开心", "高兴", "快乐", "太好了",
	},
	mood.Sad: {
		"sad", "down", "depressed", "crying", "cried", "heartbroken", "upset", "grief", "miss her", "miss him",
		"难过", "伤心", "失落", "低落",
	},
	mood.Anxious: {
		"anxious", "anxiety", "worried", "worry", "nervous", "panic", "scared", "afraid", "on edge", "can't stop thinking",
		"焦虑", "担心", "紧张", "害怕",
	},
	mood.Angry: {
		"angry", "furious", "mad at", "pissed", "annoyed", "hate", "rage", "fed up",
		"生气", "愤怒", "烦死",
	},
	mood.Stressed: {
		"stressed", "stress", "overwhelmed", "pressure", "deadline", "exhausted", "burned out", "burnt out", "too much",
		"压力", "累", "崩溃",
	},
	mood.Lonely: {
		"lonely", "alone", "isolated", "no friends", "nobody cares", "left out", "by myself",
		"孤单", "寂寞", "孤独",
	},
	mood.Hopeful: {
		"hopeful", "looking forward", "better tomorrow", "getting better", "optimistic", "can do this", "progress",
		"希望", "期待", "好起来",
	},
}

// tieOrder 在得分相同时决定优先级：越靠前越优先，负面情绪优先于正面情绪。
var tieOrder = []mood.Tag{mood.Lonely, mood.Sad, mood.Anxious, mood.Stressed, mood.Angry, mood.Hopeful, mood.Happy}

// Analyze 根据关键词推断用户消息的心情。没有命中时返回 neutral。
func Analyze(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Tag: mood.Neutral}
	}

	scores := make(map[mood.Tag]int, len(keywordBuckets))
	for tag, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[tag] += 3
			}
		}
	}

	if exclamations := strings.Count(text, "!"); exclamations > 0 && scores[mood.Happy] > 0 {
		scores[mood.Happy] += exclamations
	}

	best := mood.Neutral
	bestScore := 0
	for _, tag := range tieOrder {
		if s := scores[tag]; s > bestScore {
			best, bestScore = tag, s
		}
	}
	return Decision{Tag: best, Score: bestScore}
}
