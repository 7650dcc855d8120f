package rv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"sort"

	"github.com/banshee-data/rvcomb/internal/decomp"
	"github.com/banshee-data/rvcomb/internal/doppler"
	"github.com/banshee-data/rvcomb/internal/spectra"
)

// CheckpointKey hashes the star identity, the processing mode and every
// visit field that reaches a StarResult. Visit order does not affect the key.
func CheckpointKey(starID string, mode Mode, visits []spectra.VisitSpectrum) string {
	idx := make([]int, len(visits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return visits[idx[a]].VisitID < visits[idx[b]].VisitID })

	h := sha256.New()
	writeString(h, starID)
	writeString(h, string(mode))
	for _, i := range idx {
		v := visits[i]
		for _, str := range []string{v.VisitID, v.ObjectID, v.Telescope, v.Field, v.Plate, v.DateObs, v.Survey} {
			writeString(h, str)
		}
		writeUint(h, uint64(int64(v.MJD)))
		writeUint(h, uint64(int64(v.Fiber)))
		writeUint(h, v.StarFlag)
		for _, t := range v.Targets {
			writeUint(h, t)
		}
		writeFloats(h, []float64{v.JD, v.BC, v.SNR, v.HMag})
		p := v.Prior
		writeUint(h, uint64(int64(p.VType)))
		writeFloats(h, []float64{p.VRel, p.VRelErr, p.VHelio, p.BC, p.Teff, p.Logg, p.FeH})
		writeUint(h, uint64(len(v.Segments)))
		for _, s := range v.Segments {
			for _, a := range [][]float64{s.Wave, s.Flux, s.Err, s.Sky, s.SkyErr, s.Telluric, s.TelluricErr} {
				writeOptional(h, a)
			}
			writeUint(h, uint64(len(s.Mask)))
			for _, m := range s.Mask {
				writeUint(h, uint64(m))
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeString(h hash.Hash, s string) {
	writeUint(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeUint(h hash.Hash, u uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	h.Write(b[:])
}

// writeOptional distinguishes a nil array from an empty one.
func writeOptional(h hash.Hash, x []float64) {
	if x == nil {
		writeUint(h, math.MaxUint64)
		return
	}
	writeFloats(h, x)
}

func writeFloats(h hash.Hash, x []float64) {
	writeUint(h, uint64(len(x)))
	for _, f := range x {
		writeUint(h, math.Float64bits(f))
	}
}

// gate splits visits into those fit for RV work and rejections: a visit
// must carry no bad star bits, exceed minSNR and name its object.
func gate(visits []spectra.VisitSpectrum, minSNR float64) (good []spectra.VisitSpectrum, rejected []Rejection) {
	for _, v := range visits {
		var reason string
		switch {
		case v.ObjectID == "":
			reason = "missing object id"
		case v.StarFlag&spectra.StarBadMask != 0:
			reason = "bad star flags: " + spectra.StarNames(v.StarFlag&spectra.StarBadMask)
		case !(v.SNR > minSNR):
			reason = "snr below minimum"
		}
		if reason != "" {
			rejected = append(rejected, Rejection{VisitID: v.VisitID, Kind: spectra.KindQualityReject, Reason: reason})
			continue
		}
		good = append(good, v)
	}
	return good, rejected
}

// newVisitRecord copies the visit's identity and moves its prior estimate
// into the Est* columns; the fresh RV columns start unset.
func newVisitRecord(v spectra.VisitSpectrum) VisitRecord {
	return VisitRecord{
		VisitID:    v.VisitID,
		ObjectID:   v.ObjectID,
		Telescope:  v.Telescope,
		Field:      v.Field,
		Plate:      v.Plate,
		MJD:        v.MJD,
		Fiber:      v.Fiber,
		DateObs:    v.DateObs,
		JD:         v.JD,
		SNR:        v.SNR,
		HMag:       v.HMag,
		StarFlag:   v.StarFlag,
		EstVType:   v.Prior.VType,
		EstVRel:    v.Prior.VRel,
		EstVRelErr: v.Prior.VRelErr,
		EstVHelio:  v.Prior.VHelio,
		EstBC:      v.Prior.BC,
		EstTeff:    v.Prior.Teff,
		EstLogg:    v.Prior.Logg,
		EstFeH:     v.Prior.FeH,
		RV:         spectra.NewRVEstimate(v.VisitID),
	}
}

// fillRecord writes the joint-fit result and decomposition of one visit and
// sets the RV star bits.
func fillRecord(rec *VisitRecord, fit doppler.VisitFit, tmpl spectra.TemplateParams, dcfg decomp.Config, ecfg doppler.Config, logf func(string, ...interface{})) {
	rec.CCF = fit.CCF
	rec.RV.BC = fit.BC
	rec.RV.VRel = fit.VRel
	rec.RV.VRelErr = fit.VRelErr
	rec.RV.VHelio = fit.VHelio
	rec.RV.XCorrVRel = fit.XCorrVRel
	rec.RV.XCorrVRelErr = fit.XCorrVRelErr
	rec.RV.XCorrVHelio = fit.XCorrVHelio
	rec.RV.Chi2 = fit.Chi2
	rec.RV.Template = tmpl

	comps, err := decomp.Decompose(fit.CCF, dcfg)
	if err != nil {
		logf("decomposition of visit %s failed, no components: %v", rec.VisitID, err)
		comps = nil
	}
	rec.RV.NComponents = len(comps)
	rec.RV.Components = comps
	if len(comps) > 1 {
		rec.StarFlag |= spectra.StarMultipleSuspect
		for i := 0; i < len(comps) && i < spectra.MaxRVComponents; i++ {
			rec.RV.RVComponents[i] = comps[i].Center
		}
	}

	rec.RV.Quality = doppler.Classify(tmpl.Teff, fit.VHelio, fit.XCorrVHelio, ecfg)
	switch rec.RV.Quality {
	case spectra.QualityReject:
		rec.StarFlag |= spectra.StarRVReject
	case spectra.QualitySuspect:
		rec.StarFlag |= spectra.StarRVSuspect
	}
}

// keepByQuality drops the visits the RV check rejected and returns the
// survivors with their relative velocities. A rejected visit with finite
// velocities is a velocity mismatch; one without is a failed fit.
func keepByQuality(good []spectra.VisitSpectrum, records []VisitRecord) (keep []spectra.VisitSpectrum, vels []float64, rejected []Rejection) {
	for i, v := range good {
		rec := records[i]
		if rec.RV.Quality != spectra.QualityReject {
			v.StarFlag = rec.StarFlag
			keep = append(keep, v)
			vels = append(vels, rec.RV.VRel)
			continue
		}
		d := math.Abs(rec.RV.VHelio - rec.RV.XCorrVHelio)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			rejected = append(rejected, Rejection{VisitID: v.VisitID, Kind: spectra.KindNumericalFit, Reason: "no finite velocity"})
			continue
		}
		rejected = append(rejected, Rejection{
			VisitID: v.VisitID,
			Kind:    spectra.KindVelocityMismatch,
			Reason:  fmt.Sprintf("chi-square and ccf velocities differ by %.2f km/s", d),
		})
	}
	return keep, vels, rejected
}
