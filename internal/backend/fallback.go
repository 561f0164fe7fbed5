package backend

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
	"unicode/utf8"

	"pagegen/internal/domain"
)

// DefaultTargetLength is used when a task does not ask for a length.
const DefaultTargetLength = 800

var fillerWords = []string{
	"content", "strategy", "reader", "topic", "guide", "practical", "example",
	"overview", "detail", "approach", "context", "question", "answer", "insight",
	"step", "outcome", "resource", "perspective", "summary", "section",
}

// Fallback synthesizes deterministic placeholder pages. It never fails.
type Fallback struct{}

// Generate returns markdown of roughly task.TargetLength words: a title, one
// section per subheading (or a single overview section) and filler prose.
// The same task always yields the same text.
func (Fallback) Generate(task domain.GenerationTask) string {
	target := task.TargetLength
	if target <= 0 {
		target = DefaultTargetLength
	}
	sections := task.Subheadings
	if len(sections) == 0 {
		sections = []string{"Overview"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", task.Title)
	written := WordCount(task.Title)
	seed := seedFor(task)
	perSection := target / len(sections)
	if perSection < 1 {
		perSection = 1
	}
	for i, heading := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n", heading)
		written += WordCount(heading)
		budget := perSection
		if i == len(sections)-1 {
			budget = target - written
		}
		written += writeParagraphs(&b, heading, budget, seed+uint32(i))
	}
	return b.String()
}

func seedFor(task domain.GenerationTask) uint32 {
	h := fnv.New32a()
	h.Write([]byte(task.ID))
	h.Write([]byte(task.Title))
	return h.Sum32()
}

// writeParagraphs writes about budget words in sentences of ten and
// paragraphs of five sentences, returning the number of words written.
func writeParagraphs(b *strings.Builder, topic string, budget int, seed uint32) int {
	if budget <= 0 {
		return 0
	}
	topicWords := strings.Fields(strings.ToLower(topic))
	written := 0
	sentence := 0
	for written < budget {
		n := 10
		if budget-written < n {
			n = budget - written
		}
		words := make([]string, n)
		for i := range words {
			idx := int((seed + uint32(written+i)*2654435761) % uint32(len(fillerWords)))
			words[i] = fillerWords[idx]
			if len(topicWords) > 0 && i == n/2 {
				words[i] = topicWords[(written+i)%len(topicWords)]
			}
		}
		words[0] = capitalize(words[0])
		b.WriteString(strings.Join(words, " "))
		b.WriteString(".")
		written += n
		sentence++
		if sentence%5 == 0 || written >= budget {
			b.WriteString("\n\n")
		} else {
			b.WriteString(" ")
		}
	}
	return written
}

func capitalize(word string) string {
	r, size := utf8.DecodeRuneInString(word)
	if r == utf8.RuneError {
		return word
	}
	return string(unicode.ToUpper(r)) + word[size:]
}
