package translate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Special holds the ids of the reserved vocabulary entries.
type Special struct {
	Pad int `yaml:"pad"`
	SOS int `yaml:"sos"`
	EOS int `yaml:"eos"`
	Unk int `yaml:"unk"`
}

// DefaultSpecial matches the layout produced by the data preparation tools:
// padding 1, start and end share 2, unknown 3.
func DefaultSpecial() Special {
	return Special{Pad: 1, SOS: 2, EOS: 2, Unk: 3}
}

// Vocab maps words to ids and back.
type Vocab struct {
	Special
	size  int
	ids   map[string]int
	words map[int]string
	// folded maps the normalized form of a word to its id when no word
	// is spelled that way.
	folded map[string]int
}

// NewVocab assigns ids to words in order, starting at 0.
func NewVocab(words []string, special Special) *Vocab {
	v := &Vocab{
		Special: special,
		ids:     make(map[string]int, len(words)),
		words:   make(map[int]string, len(words)),
	}
	for id, w := range words {
		v.add(w, id)
	}
	v.size = len(words)
	v.fold()
	return v
}

// LoadVocab reads a vocabulary file. The first line starts with the
// vocabulary size; every following line is "word id".
func LoadVocab(path string, special Special) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	v, err := ReadVocab(f, special)
	if err != nil {
		return nil, fmt.Errorf("failed to load vocabulary %s: %w", path, err)
	}
	return v, nil
}

func ReadVocab(r io.Reader, special Special) (*Vocab, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty vocabulary")
	}
	header := strings.Fields(scanner.Text())
	if len(header) == 0 {
		return nil, fmt.Errorf("missing vocabulary size")
	}
	size, err := strconv.Atoi(header[0])
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("invalid vocabulary size %q", header[0])
	}

	v := &Vocab{
		Special: special,
		size:    size,
		ids:     make(map[string]int, size),
		words:   make(map[int]string, size),
	}
	line := 1
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected \"word id\"", line)
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil || id < 0 || id >= size {
			return nil, fmt.Errorf("line %d: invalid id %q", line, fields[1])
		}
		v.add(fields[0], id)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	v.fold()
	return v, nil
}

func (v *Vocab) add(word string, id int) {
	v.ids[word] = id
	if _, ok := v.words[id]; !ok {
		v.words[id] = word
	}
}

// fold registers normalized aliases. An alias never shadows a word, and
// among words that normalize alike the lowest id wins.
func (v *Vocab) fold() {
	v.folded = make(map[string]int)
	for id := 0; id < v.size; id++ {
		w, ok := v.words[id]
		if !ok {
			continue
		}
		n := normalize(w)
		if n == w {
			continue
		}
		if _, ok := v.ids[n]; ok {
			continue
		}
		if _, ok := v.folded[n]; !ok {
			v.folded[n] = id
		}
	}
}

// Size is the number of ids, including special ones.
func (v *Vocab) Size() int { return v.size }

// ID returns the id of word, then of its normalized form, or Unk.
func (v *Vocab) ID(word string) int {
	if id, ok := v.ids[word]; ok {
		return id
	}
	n := normalize(word)
	if id, ok := v.ids[n]; ok {
		return id
	}
	if id, ok := v.folded[n]; ok {
		return id
	}
	return v.Unk
}

// Word returns the word of id, or the unknown word.
func (v *Vocab) Word(id int) string {
	if w, ok := v.words[id]; ok {
		return w
	}
	return v.words[v.Unk]
}

// Words lists the ordinary words, skipping the special ids.
func (v *Vocab) Words() []string {
	out := make([]string, 0, len(v.words))
	for id := 0; id < v.size; id++ {
		if id == v.Pad || id == v.SOS || id == v.EOS || id == v.Unk {
			continue
		}
		if w, ok := v.words[id]; ok {
			out = append(out, w)
		}
	}
	return out
}

// normalize folds full-width forms and composes Unicode so visually equal
// tokens share an id.
func normalize(s string) string {
	out, _, err := transform.String(transform.Chain(width.Fold, norm.NFC), s)
	if err != nil {
		return s
	}
	return out
}

// NewSyntheticVocab names every id of a vocabulary without a file: the
// special ids get bracketed names and the rest "w<id>". It lets a randomly
// initialized model run end to end.
func NewSyntheticVocab(size int, special Special) *Vocab {
	words := make([]string, size)
	for id := range words {
		words[id] = "w" + strconv.Itoa(id)
	}
	name := func(id int, w string) {
		if id >= 0 && id < size {
			words[id] = w
		}
	}
	name(special.Pad, "<pad>")
	name(special.Unk, "<unk>")
	name(special.SOS, "<s>")
	name(special.EOS, "</s>")
	return NewVocab(words, special)
}
