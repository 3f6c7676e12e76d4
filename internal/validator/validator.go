package validator

import "regexp"

var (
	// clickid RedTrack: ровно 24 латинских буквы/цифры
	clickIDRegexp = regexp.MustCompile(`^[0-9a-zA-Z]{24}$`)
	offerIDRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)
)

func IsValidClickID(clickID string) bool {
	return clickIDRegexp.MatchString(clickID)
}

func IsValidOfferID(offerID string) bool {
	return offerIDRegexp.MatchString(offerID)
}
