package service

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/DukeRupert/fortuna/internal/domain"
)

// Dice is the randomness used for server-side draws. *rand.Rand satisfies it.
type Dice interface {
	IntN(n int) int
}

type globalDice struct{}

func (globalDice) IntN(n int) int { return rand.IntN(n) }

// =============================================================================
// Tarot
// =============================================================================

var majorArcana = []string{
	"The Fool", "The Magician", "The High Priestess", "The Empress", "The Emperor",
	"The Hierophant", "The Lovers", "The Chariot", "Strength", "The Hermit",
	"Wheel of Fortune", "Justice", "The Hanged Man", "Death", "Temperance",
	"The Devil", "The Tower", "The Star", "The Moon", "The Sun", "Judgement", "The World",
}

var (
	minorRanks = []string{"Ace", "Two", "Three", "Four", "Five", "Six", "Seven", "Eight", "Nine", "Ten", "Page", "Knight", "Queen", "King"}
	minorSuits = []string{"Wands", "Cups", "Swords", "Pentacles"}
)

// TarotDeck is the full 78-card deck, major arcana first.
var TarotDeck = buildDeck()

func buildDeck() []string {
	deck := make([]string, 0, len(majorArcana)+len(minorRanks)*len(minorSuits))
	deck = append(deck, majorArcana...)
	for _, suit := range minorSuits {
		for _, rank := range minorRanks {
			deck = append(deck, rank+" of "+suit)
		}
	}
	return deck
}

// Spread names accepted by the tarot endpoint.
const (
	SpreadSingle = "single"
	SpreadThree  = "three"
	SpreadCeltic = "celtic"
)

var spreadPositions = map[string][]string{
	SpreadSingle: {"Guidance"},
	SpreadThree:  {"Past", "Present", "Future"},
	SpreadCeltic: {
		"Present", "Challenge", "Foundation", "Recent Past", "Crown",
		"Near Future", "Self", "Environment", "Hopes and Fears", "Outcome",
	},
}

// SpreadPositions returns the position names of spread, or nil if unknown.
func SpreadPositions(spread string) []string {
	return spreadPositions[spread]
}

// DrawTarot deals distinct cards for every position of spread. Each card is
// reversed with probability one half.
func DrawTarot(dice Dice, spread string) ([]domain.TarotCard, error) {
	positions := SpreadPositions(spread)
	if positions == nil {
		return nil, fmt.Errorf("unknown spread %q", spread)
	}

	deck := make([]string, len(TarotDeck))
	copy(deck, TarotDeck)

	cards := make([]domain.TarotCard, len(positions))
	for i, pos := range positions {
		// Partial Fisher-Yates: pick from the undealt tail.
		j := i + dice.IntN(len(deck)-i)
		deck[i], deck[j] = deck[j], deck[i]
		cards[i] = domain.TarotCard{
			Name:     deck[i],
			Position: pos,
			Reversed: dice.IntN(2) == 1,
		}
	}
	return cards, nil
}

// =============================================================================
// I Ching
// =============================================================================

// Line values of a three-coin casting.
const (
	OldYin    = 6 // changing, becomes yang
	YoungYang = 7
	YoungYin  = 8
	OldYang   = 9 // changing, becomes yin
)

// trigramOrder maps a trigram's bit value (bottom line = bit 0, yang = 1) to
// its row/column in kingWen: Qian, Zhen, Kan, Gen, Kun, Xun, Li, Dui.
var trigramOrder = [8]int{
	0: 4, // Kun
	1: 1, // Zhen
	2: 2, // Kan
	3: 7, // Dui
	4: 3, // Gen
	5: 6, // Li
	6: 5, // Xun
	7: 0, // Qian
}

// kingWen[upper][lower] is the hexagram number.
var kingWen = [8][8]int{
	{1, 25, 6, 33, 12, 44, 13, 10},
	{34, 51, 40, 62, 16, 32, 55, 54},
	{5, 3, 29, 39, 8, 48, 63, 60},
	{26, 27, 4, 52, 23, 18, 22, 41},
	{11, 24, 7, 15, 2, 46, 36, 19},
	{9, 42, 59, 53, 20, 57, 37, 61},
	{14, 21, 64, 56, 35, 50, 30, 38},
	{43, 17, 47, 31, 45, 28, 49, 58},
}

// CastHexagram tosses three coins per line, bottom to top. Heads count three
// and tails two, giving line values 6 through 9.
func CastHexagram(dice Dice) domain.Hexagram {
	lines := make([]int, 6)
	for i := range lines {
		sum := 0
		for range 3 {
			sum += 2 + dice.IntN(2)
		}
		lines[i] = sum
	}
	h, _ := NewHexagram(lines)
	return h
}

// NewHexagram derives the primary and relating hexagram numbers from six
// line values given bottom to top.
func NewHexagram(lines []int) (domain.Hexagram, error) {
	if len(lines) != 6 {
		return domain.Hexagram{}, fmt.Errorf("a hexagram has 6 lines, got %d", len(lines))
	}

	var primary, relating [6]bool
	var changing []int
	for i, v := range lines {
		switch v {
		case OldYin:
			primary[i], relating[i] = false, true
			changing = append(changing, i+1)
		case YoungYang:
			primary[i], relating[i] = true, true
		case YoungYin:
			primary[i], relating[i] = false, false
		case OldYang:
			primary[i], relating[i] = true, false
			changing = append(changing, i+1)
		default:
			return domain.Hexagram{}, fmt.Errorf("line %d has value %d, want 6-9", i+1, v)
		}
	}

	h := domain.Hexagram{
		Lines:         append([]int(nil), lines...),
		Primary:       hexagramNumber(primary),
		ChangingLines: changing,
	}
	if len(changing) > 0 {
		h.Relating = hexagramNumber(relating)
	}
	return h, nil
}

func hexagramNumber(yang [6]bool) int {
	return kingWen[trigram(yang[3:])][trigram(yang[:3])]
}

func trigram(yang []bool) int {
	v := 0
	for i, y := range yang {
		if y {
			v |= 1 << i
		}
	}
	return trigramOrder[v]
}

// =============================================================================
// Zodiac
// =============================================================================

// BirthDateLayout is the accepted birth date format.
const BirthDateLayout = "2006-01-02"

type signStart struct {
	month time.Month
	day   int
	sign  string
}

// Sign start dates in calendar order; a date before the first entry falls in
// Capricorn.
var signStarts = []signStart{
	{time.January, 20, "Aquarius"},
	{time.February, 19, "Pisces"},
	{time.March, 21, "Aries"},
	{time.April, 20, "Taurus"},
	{time.May, 21, "Gemini"},
	{time.June, 21, "Cancer"},
	{time.July, 23, "Leo"},
	{time.August, 23, "Virgo"},
	{time.September, 23, "Libra"},
	{time.October, 23, "Scorpio"},
	{time.November, 22, "Sagittarius"},
	{time.December, 22, "Capricorn"},
}

// ZodiacSign returns the western sun sign for a birth date.
func ZodiacSign(birth time.Time) string {
	sign := "Capricorn"
	for _, s := range signStarts {
		if birth.Month() > s.month || (birth.Month() == s.month && birth.Day() >= s.day) {
			sign = s.sign
		}
	}
	return sign
}
