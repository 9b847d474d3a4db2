// Package tagger provides the built-in taggers.
package tagger

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"dialogbot/internal/domain"
)

// Part-of-speech values set by Simple.
const (
	POSWord   = "word"
	POSNumber = "number"
	POSSymbol = "symbol"
)

// New returns the tagger registered under kind ("none" or "simple").
func New(kind string) (domain.Tagger, error) {
	switch kind {
	case "", "none":
		return None{}, nil
	case "simple":
		return Simple{}, nil
	default:
		return nil, fmt.Errorf("unknown tagger type %q", kind)
	}
}

// None never produces word nodes.
type None struct{}

func (None) Parse(ctx context.Context, text string, maxLength int) ([]domain.WordNode, error) {
	return []domain.WordNode{}, nil
}

// Simple splits text on whitespace, punctuation and script boundaries. Runs
// of Han, Hiragana or Katakana become separate nodes, which is a coarse but
// usable split for text without spaces.
type Simple struct{}

type runeClass int

const (
	classSpace runeClass = iota
	classLatin
	classHan
	classHiragana
	classKatakana
	classOtherLetter
	classDigit
	classSymbol
)

func classify(r rune) runeClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case unicode.Is(unicode.Han, r):
		return classHan
	case unicode.Is(unicode.Hiragana, r):
		return classHiragana
	case unicode.Is(unicode.Katakana, r), r == 'ー':
		return classKatakana
	case unicode.IsDigit(r):
		return classDigit
	case unicode.Is(unicode.Latin, r), r == '\'':
		return classLatin
	case unicode.IsLetter(r), unicode.IsMark(r):
		return classOtherLetter
	default:
		return classSymbol
	}
}

func (Simple) Parse(ctx context.Context, text string, maxLength int) ([]domain.WordNode, error) {
	nodes := []domain.WordNode{}
	if text == "" || (maxLength > 0 && utf8.RuneCountInString(text) > maxLength) {
		return nodes, nil
	}

	var (
		sb      strings.Builder
		current = classSpace
	)
	flush := func() {
		if sb.Len() == 0 {
			return
		}
		nodes = append(nodes, makeNode(sb.String(), current))
		sb.Reset()
	}

	for _, r := range text {
		cls := classify(r)
		// Symbols never merge: "?!" yields two nodes.
		if cls != current || cls == classSymbol {
			flush()
			current = cls
		}
		if cls != classSpace {
			sb.WriteRune(r)
		}
	}
	flush()
	return nodes, nil
}

func makeNode(surface string, cls runeClass) domain.WordNode {
	n := domain.WordNode{Surface: surface, Word: strings.ToLower(surface)}
	switch cls {
	case classDigit:
		n.PartOfSpeech = POSNumber
	case classSymbol:
		n.PartOfSpeech = POSSymbol
	default:
		n.PartOfSpeech = POSWord
	}
	switch cls {
	case classHiragana:
		n.PartOfSpeechDetail1 = "hiragana"
		n.Kana = surface
	case classKatakana:
		n.PartOfSpeechDetail1 = "katakana"
		n.Kana = surface
	case classHan:
		n.PartOfSpeechDetail1 = "han"
	}
	return n
}
