package source

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	appLog "schedsync/internal/log"
	"schedsync/internal/model"
)

// ErrLayout means the page no longer has the expected schedule markup.
var ErrLayout = errors.New("schedule layout not recognized")

var (
	monthHeaderRe = regexp.MustCompile(`^(\d{4})\.(\d{1,2})$`)
	timeRe        = regexp.MustCompile(`(\d{1,2}:\d{2})[〜～]?\s*`)
	bracketRe     = regexp.MustCompile(`\[([^\]]+)\]`)
	spaceRe       = regexp.MustCompile(`[\s　]+`)
)

// textReplacements strip the site name from entry text.
var textReplacements = strings.NewReplacer(
	"「アイカツアカデミー！配信部」", "",
	"【アイカツアカデミー！カード", "【カード",
	"アイカツアカデミー！", "",
)

type yearMonth struct{ year, month int }

// Parse extracts raw entries from the schedule page HTML.
//
// Month headers ("2024.3") pair with schedule slides by index; when there are
// fewer headers than slides the last header is reused.
func Parse(body []byte) ([]model.RawEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var months []yearMonth
	doc.Find("div.swiper-slide").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 {
			return
		}
		m := monthHeaderRe.FindStringSubmatch(strings.TrimSpace(s.Text()))
		if m == nil {
			return
		}
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		months = append(months, yearMonth{y, mo})
	})
	if len(months) == 0 {
		return nil, fmt.Errorf("%w: no month header", ErrLayout)
	}

	slides := doc.Find(".swiper-container.js-schedule-body .swiper-slide")
	if slides.Length() == 0 {
		return nil, fmt.Errorf("%w: no schedule slides", ErrLayout)
	}

	var out []model.RawEntry
	slides.Each(func(i int, slide *goquery.Selection) {
		ym := months[len(months)-1]
		if i < len(months) {
			ym = months[i]
		} else {
			appLog.Warn("schedule slide without month header, reusing last", "slide", i, "year", ym.year, "month", ym.month)
		}

		slide.Find("div.p-schedule-body__item").Each(func(_ int, item *goquery.Selection) {
			numText := strings.TrimSpace(item.Find("div[class*=data] div.num").First().Text())
			day, err := strconv.Atoi(numText)
			if err != nil {
				return
			}
			date := fmt.Sprintf("%04d-%02d-%02d", ym.year, ym.month, day)

			item.Find("div.post__item").Each(func(_ int, post *goquery.Selection) {
				if e, ok := parsePost(post, date); ok {
					out = append(out, e)
				}
			})
		})
	})
	return out, nil
}

func parsePost(post *goquery.Selection, date string) (model.RawEntry, bool) {
	p := post.Find("p").First()
	if p.Length() == 0 {
		return model.RawEntry{}, false
	}
	raw := strings.TrimSpace(p.Text())
	text := textReplacements.Replace(raw)

	e := model.RawEntry{Date: date, Raw: raw}

	if m := timeRe.FindStringSubmatch(text); m != nil {
		e.StartTime = m[1]
		text = timeRe.ReplaceAllString(text, "")
	}

	for _, m := range bracketRe.FindAllStringSubmatch(text, -1) {
		e.Tags = appendTag(e.Tags, model.Tag{Kind: model.TagChannel, Text: strings.TrimSpace(m[1])})
	}
	text = bracketRe.ReplaceAllString(text, "")

	post.Find("div.cat").Each(func(_ int, c *goquery.Selection) {
		if t := strings.TrimSpace(c.Text()); t != "" {
			e.Tags = appendTag(e.Tags, model.Tag{Kind: model.TagCategory, Text: t})
		}
	})

	e.Title = strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
	return e, true
}

func appendTag(tags []model.Tag, t model.Tag) []model.Tag {
	for _, have := range tags {
		if have == t {
			return tags
		}
	}
	return append(tags, t)
}
