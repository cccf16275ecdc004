// Package linfit fits straight lines by least squares and reports the
// uncertainty of the fitted parameters, of the data points, and of predictions.
//
// The y-point uncertainty also comes with asymmetric one-sigma bounds taken
// from the chi distribution with N-2 degrees of freedom, which matter for the
// short (5-10 point) series a sensor calibration produces.
package linfit

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrLengthMismatch is generated when paired inputs differ in length or are empty
	ErrLengthMismatch = errors.New("x and y must be non-empty and of equal length")

	// ErrInsufficientData is generated when there are fewer than 3 points,
	// leaving no residual degrees of freedom
	ErrInsufficientData = errors.New("at least 3 points are required")

	// ErrDegenerateInput is generated when every x is the same and the slope is undefined
	ErrDegenerateInput = errors.New("x has zero variance")

	// ErrNonFinite is generated when an x or y value is NaN or infinite
	ErrNonFinite = errors.New("x and y must be finite")

	// ErrInvalidWeight is generated when a weight is not positive and finite
	ErrInvalidWeight = errors.New("weights must be positive and finite")
)

// MinPoints is the smallest series that can be fit
const MinPoints = 3

// Result holds the parameters of a fit and their uncertainty
type Result struct {
	// N is the number of points fit
	N int `json:"n"`

	// Slope is the fitted slope
	Slope float64 `json:"slope"`

	// Intercept is the fitted intercept
	Intercept float64 `json:"intercept"`

	// SlopeErr is the standard error of the slope
	SlopeErr float64 `json:"slopeErr"`

	// InterceptErr is the standard error of the intercept
	InterceptErr float64 `json:"interceptErr"`

	// YErr is the estimated standard deviation of a single y point about the line
	YErr float64 `json:"yErr"`

	// YErrUpper is the one-sigma distance above YErr
	YErrUpper float64 `json:"yErrUpper"`

	// YErrLower is the one-sigma distance below YErr
	YErrLower float64 `json:"yErrLower"`

	// R2 is the coefficient of determination
	R2 float64 `json:"r2"`

	// MeanX is the (weighted) mean of x
	MeanX float64 `json:"meanX"`

	// SXX is the (weighted) sum of squared deviations of x from MeanX
	SXX float64 `json:"sxx"`

	// SumW is the sum of the weights, N for an unweighted fit
	SumW float64 `json:"sumW"`
}

// Fit performs an ordinary least squares fit of y = slope*x + intercept
func Fit(x, y []float64) (Result, error) {
	return fit(x, y, nil)
}

// FitWeighted performs a weighted least squares fit.  The weights are relative,
// typically 1/sigma^2 for each point; the absolute scale of the noise is still
// estimated from the residuals.  Uniform weights reproduce Fit.
func FitWeighted(x, y, w []float64) (Result, error) {
	if len(w) != len(x) {
		return Result{}, fmt.Errorf("%w: %d weights for %d points", ErrLengthMismatch, len(w), len(x))
	}
	for _, v := range w {
		if !(v > 0) || math.IsInf(v, 0) {
			return Result{}, fmt.Errorf("%w: %g", ErrInvalidWeight, v)
		}
	}
	return fit(x, y, w)
}

// weight returns the i-th weight, 1 when w is nil
func weight(w []float64, i int) float64 {
	if w == nil {
		return 1
	}
	return w[i]
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func fit(x, y, w []float64) (Result, error) {
	if len(x) != len(y) || len(x) == 0 {
		return Result{}, fmt.Errorf("%w: len(x)=%d len(y)=%d", ErrLengthMismatch, len(x), len(y))
	}
	n := len(x)
	if n < MinPoints {
		return Result{}, fmt.Errorf("%w: have %d", ErrInsufficientData, n)
	}
	for i := range x {
		if !finite(x[i]) || !finite(y[i]) {
			return Result{}, fmt.Errorf("%w: point %d is (%g, %g)", ErrNonFinite, i, x[i], y[i])
		}
	}
	degenerate := true
	for _, v := range x[1:] {
		if v != x[0] {
			degenerate = false
			break
		}
	}
	if degenerate {
		return Result{}, ErrDegenerateInput
	}

	meanx := stat.Mean(x, w)
	meany := stat.Mean(y, w)
	var sumw, sxx, syy, sxy float64
	for i := range x {
		wi := weight(w, i)
		dx := x[i] - meanx
		dy := y[i] - meany
		sumw += wi
		sxx += wi * dx * dx
		syy += wi * dy * dy
		sxy += wi * dx * dy
	}
	if sxx == 0 {
		return Result{}, ErrDegenerateInput
	}

	slope := sxy / sxx
	intercept := meany - meanx*slope

	var rss float64
	for i := range x {
		r := y[i] - (slope*x[i] + intercept)
		rss += weight(w, i) * r * r
	}
	dof := float64(n - 2)
	yvariance := rss / dof
	slopevariance := yvariance / sxx
	interceptvariance := yvariance * (1/sumw + meanx*meanx/sxx)

	var r2 float64
	if syy == 0 {
		// constant y, the line is exact
		r2 = 1
	} else {
		r2 = sxy * sxy / (sxx * syy)
	}

	res := Result{
		N:            n,
		Slope:        slope,
		Intercept:    intercept,
		SlopeErr:     math.Sqrt(slopevariance),
		InterceptErr: math.Sqrt(interceptvariance),
		YErr:         math.Sqrt(yvariance),
		R2:           r2,
		MeanX:        meanx,
		SXX:          sxx,
		SumW:         sumw,
	}
	res.YErrUpper, res.YErrLower = chiBounds(res.YErr, n-2)
	return res, nil
}

// chiBounds converts a standard error estimated with dof degrees of freedom
// into the distances to its upper and lower one-sigma limits
func chiBounds(yerr float64, dof int) (upper, lower float64) {
	if yerr == 0 {
		return 0, 0
	}
	p := distuv.UnitNormal.Survival(1)
	chi2 := distuv.ChiSquared{K: float64(dof)}
	up := math.Sqrt(chi2.Quantile(p))
	down := math.Sqrt(chi2.Quantile(1 - p))
	rdof := math.Sqrt(float64(dof))
	upper = yerr * (rdof/up - 1)
	lower = yerr * (1 - rdof/down)
	return upper, lower
}

// Predict evaluates the fitted line at x
func (r Result) Predict(x float64) float64 {
	return r.Slope*x + r.Intercept
}

// PredictErr is the standard error of the fitted line at x, propagated from the
// uncertainty of the slope and intercept (including their covariance)
func (r Result) PredictErr(x float64) float64 {
	if r.SXX == 0 || r.SumW == 0 {
		return math.NaN()
	}
	dx := x - r.MeanX
	return r.YErr * math.Sqrt(1/r.SumW+dx*dx/r.SXX)
}

// String formats the result as a short report
func (r Result) String() string {
	b := strings.Builder{}
	bar := strings.Repeat("#", 80)
	b.WriteString(bar + "\n")
	fmt.Fprintf(&b, "Linear Fit Results for %d Data Points\n", r.N)
	fmt.Fprintf(&b, "slope estimate:               %10.5g +/- %10.5g\n", r.Slope, r.SlopeErr)
	fmt.Fprintf(&b, "intercept estimate:           %10.5g +/- %10.5g\n", r.Intercept, r.InterceptErr)
	fmt.Fprintf(&b, "y point uncertainty estimate: %10.5g   +%-10.5g -%-10.5g\n", r.YErr, r.YErrUpper, r.YErrLower)
	fmt.Fprintf(&b, "r^2:                          %10.5g\n", r.R2)
	b.WriteString(bar)
	return b.String()
}
