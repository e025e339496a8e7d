package claim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// Verifier проверяет введённый суффикс телефона и отправляет проверку
// по телефону или, при ошибке, по email. Состояние (cooldown, таймер, машина
// состояний) хранится в Flow, который передаётся явно.
type Verifier struct {
	store       RecordStore
	countryCode string
}

// NewVerifier создает Claim Verifier
func NewVerifier(store RecordStore, countryCode string) (*Verifier, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return &Verifier{store: store, countryCode: countryCode}, nil
}

// SubmitSuffix проверяет 4 последние цифры телефона локации и отправляет код
func (v *Verifier) SubmitSuffix(ctx context.Context, f *Flow, suffix string) (ChallengeAttempt, error) {
	attempt := ChallengeAttempt{EnteredSuffix: suffix, ChannelTried: ChannelNone, Outcome: OutcomePending}

	if state := f.State(); !canChallenge(state) {
		_, err := Transition(state, EventOtpSent)
		return attempt, err
	}

	if !suffixPattern.MatchString(suffix) {
		attempt.Outcome = OutcomeFailed
		return attempt, f.failAttempt(attempt, newError(InvalidInputFormat, "Please enter exactly 4 digits.", nil))
	}

	if ok, remaining := f.cooldown.Allow(f.now()); !ok {
		attempt.Outcome = OutcomeRejectedRateLimited
		claimErr := &Error{Type: RateLimited, RetryAfter: remaining}
		claimErr.Message = fmt.Sprintf("Please wait %d seconds before requesting a new code.", claimErr.RetryAfterSeconds())
		return attempt, f.failAttempt(attempt, claimErr)
	}

	location, err := v.store.SecretFields(ctx, f.locationID)
	if err != nil {
		attempt.Outcome = OutcomeFailed
		return attempt, f.failAttempt(attempt, newError(RecordLookupFailed, "Could not load location details", err))
	}

	// Сравниваем с сырым сохранённым номером, без нормализации
	if location.PhoneNumber == "" || !strings.HasSuffix(location.PhoneNumber, suffix) {
		attempt.Outcome = OutcomeRejectedSuffix
		return attempt, f.failAttempt(attempt, newError(ChallengeRejected, "Invalid code", nil))
	}

	// Новая проверка отменяет ожидание предыдущей ссылки
	if err := f.beginChallenge(); err != nil {
		return attempt, err
	}

	phone := ToE164(location.PhoneNumber, v.countryCode)
	attempt.ChannelTried = ChannelPhone
	phoneErr := f.idp.RequestOTP(ctx, ChannelPhone, phone)
	if phoneErr == nil {
		now := f.now()
		f.cooldown.Record(now)
		attempt.DispatchedAt = &now
		attempt.Outcome = OutcomeSentOtp
		err := f.enterChallenge(EventOtpSent, attempt, pendingChallenge{phone: phone, email: location.Email},
			"OTP sent to your phone. Please enter the code.")
		return attempt, err
	}
	log.Printf("[ClaimVerifier] Телефонный канал недоступен для локации %s: %v", f.locationID, phoneErr)

	if location.Email == "" {
		attempt.Outcome = OutcomeFailed
		return attempt, f.failAttempt(attempt, newError(NoChannelAvailable, "Unable to send OTP via phone or email.", phoneErr))
	}

	attempt.ChannelTried = ChannelEmail
	if emailErr := f.idp.RequestOTP(ctx, ChannelEmail, location.Email); emailErr != nil {
		attempt.Outcome = OutcomeFailed
		if errors.Is(emailErr, ErrProviderRateLimited) {
			return attempt, f.failAttempt(attempt, newError(EmailRateLimited,
				"Too many email requests. Please try again later.", emailErr))
		}
		log.Printf("[ClaimVerifier] Email-канал недоступен для локации %s: %v", f.locationID, emailErr)
		return attempt, f.failAttempt(attempt, newError(NoChannelAvailable, "Unable to send OTP via phone or email.", emailErr))
	}

	now := f.now()
	attempt.DispatchedAt = &now
	attempt.Outcome = OutcomeSentMagicLink
	err = f.enterChallenge(EventMagicLinkSent, attempt, pendingChallenge{email: location.Email},
		"We sent a sign-in link to your email. Open it to continue.")
	return attempt, err
}

// VerifyCode проверяет 6-значный код: сначала как SMS, затем как код из письма
func (v *Verifier) VerifyCode(ctx context.Context, f *Flow, code string) error {
	state, pending := f.challenge()
	if state != AwaitingOtpCode {
		_, err := Transition(state, EventCodeVerified)
		return err
	}

	if !codePattern.MatchString(code) {
		return f.fail(newError(InvalidInputFormat, "Please enter a 6-digit OTP.", nil))
	}

	session, err := f.idp.VerifyOTP(ctx, TokenSMS, pending.phone, code)
	if err != nil || session == nil {
		smsErr := err
		session, err = f.idp.VerifyOTP(ctx, TokenMagicLink, pending.email, code)
		if err != nil || session == nil {
			if errors.Is(err, ErrProviderRateLimited) || errors.Is(smsErr, ErrProviderRateLimited) {
				return f.fail(newError(RateLimited, "Too many attempts. Please try again later.", err))
			}
			if err == nil {
				err = smsErr
			}
			return f.fail(newError(ChallengeRejected, "Invalid or expired code", err))
		}
	}

	return f.authenticate(ctx, EventCodeVerified)
}
