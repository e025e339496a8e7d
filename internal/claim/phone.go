package claim

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultCountryCode - код страны для номеров без международного префикса
const DefaultCountryCode = "27"

var (
	suffixPattern = regexp.MustCompile(`^[0-9]{4}$`)
	codePattern   = regexp.MustCompile(`^[0-9]{6}$`)
)

// ToE164 приводит сохранённый номер к формату E.164:
// удаляет всё, кроме цифр; 9 цифр - добавляет код страны;
// 10 цифр с ведущим 0 - заменяет 0 на код страны.
func ToE164(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 9:
		digits = countryCode + digits
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	}
	return "+" + digits
}

// PhoneMatchPolicy определяет, как Session Gate сравнивает телефон сессии
// с телефоном локации. Нулевое значение намеренно недопустимо.
type PhoneMatchPolicy int

const (
	PhoneMatchUnset PhoneMatchPolicy = iota
	// PhoneMatchStrict - точное совпадение сырых строк
	PhoneMatchStrict
	// PhoneMatchNormalized - сравнение после приведения обеих сторон к E.164
	PhoneMatchNormalized
)

func (p PhoneMatchPolicy) String() string {
	switch p {
	case PhoneMatchStrict:
		return "strict"
	case PhoneMatchNormalized:
		return "normalized"
	default:
		return "unset"
	}
}

// ParsePhoneMatchPolicy разбирает значение из конфигурации
func ParsePhoneMatchPolicy(s string) (PhoneMatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return PhoneMatchStrict, nil
	case "normalized":
		return PhoneMatchNormalized, nil
	default:
		return PhoneMatchUnset, fmt.Errorf("phone match policy must be \"strict\" or \"normalized\", got %q", s)
	}
}

// Match сравнивает телефон сессии и телефон локации согласно политике.
// Пустые значения никогда не совпадают.
func (p PhoneMatchPolicy) Match(sessionPhone, locationPhone, countryCode string) bool {
	if sessionPhone == "" || locationPhone == "" {
		return false
	}
	switch p {
	case PhoneMatchStrict:
		return sessionPhone == locationPhone
	case PhoneMatchNormalized:
		return ToE164(sessionPhone, countryCode) == ToE164(locationPhone, countryCode)
	default:
		return false
	}
}
